// Package config loads service configuration from defaults, an optional
// YAML file and FOLIO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinoosan/folio/internal/engine/aria2"
	"github.com/tinoosan/folio/internal/engine/qbittorrent"
	"github.com/tinoosan/folio/internal/metadata"
	"github.com/tinoosan/folio/internal/resilient"
)

const (
	EngineNoop        = "noop"
	EngineAria2       = "aria2"
	EngineQBittorrent = "qbittorrent"
)

type Config struct {
	Listen        string           `mapstructure:"listen"`
	APIToken      string           `mapstructure:"api_token"`
	SweepInterval time.Duration    `mapstructure:"sweep_interval"`
	SubmitTimeout time.Duration    `mapstructure:"submit_timeout"`
	Log           LogConfig        `mapstructure:"log"`
	DB            DBConfig         `mapstructure:"db"`
	Metadata      MetadataConfig   `mapstructure:"metadata"`
	Candidates    CandidatesConfig `mapstructure:"candidates"`
	Engine        EngineConfig     `mapstructure:"engine"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DBConfig selects the store. An empty DSN falls back to POSTGRES_* parts
// and then to the in-memory store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ProviderConfig struct {
	Code    string `mapstructure:"code"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// MetadataConfig lists the metadata providers. Provider is the default one;
// Extra providers can only be set from the config file.
type MetadataConfig struct {
	Provider   ProviderConfig         `mapstructure:"provider"`
	Extra      []ProviderConfig       `mapstructure:"extra"`
	Cache      metadata.CacheSettings `mapstructure:"cache"`
	Resilience resilient.Settings     `mapstructure:"resilience"`
}

// Providers returns the configured providers, default first. Entries
// without a base URL are skipped.
func (m MetadataConfig) Providers() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range append([]ProviderConfig{m.Provider}, m.Extra...) {
		if p.BaseURL != "" {
			out = append(out, p)
		}
	}
	return out
}

type TorznabConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Categories string `mapstructure:"categories"`
}

type CandidatesConfig struct {
	Torznab    TorznabConfig      `mapstructure:"torznab"`
	Resilience resilient.Settings `mapstructure:"resilience"`
}

type EngineConfig struct {
	Kind        string             `mapstructure:"kind"`
	Aria2       aria2.Config       `mapstructure:"aria2"`
	QBittorrent qbittorrent.Config `mapstructure:"qbittorrent"`
	Resilience  resilient.Settings `mapstructure:"resilience"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":9090")
	v.SetDefault("api_token", "")
	v.SetDefault("sweep_interval", "15s")
	v.SetDefault("submit_timeout", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("db.dsn", "")

	v.SetDefault("metadata.provider.code", "hardcover")
	v.SetDefault("metadata.provider.base_url", "")
	v.SetDefault("metadata.provider.api_key", "")
	v.SetDefault("metadata.cache.size", 1024)
	v.SetDefault("metadata.cache.search_ttl", "10m")
	v.SetDefault("metadata.cache.details_ttl", "1h")

	v.SetDefault("candidates.torznab.base_url", "http://127.0.0.1:9117/api/v2.0/indexers/all/results/torznab")
	v.SetDefault("candidates.torznab.api_key", "")
	v.SetDefault("candidates.torznab.categories", "3030,7020")

	v.SetDefault("engine.kind", EngineNoop)
	v.SetDefault("engine.aria2.rpc_url", "http://127.0.0.1:6800/jsonrpc")
	v.SetDefault("engine.aria2.secret", "")
	v.SetDefault("engine.aria2.dir", "")
	v.SetDefault("engine.aria2.not_found_grace", "2m")
	v.SetDefault("engine.aria2.on_collision", "error")
	v.SetDefault("engine.qbittorrent.base_url", "http://127.0.0.1:8080")
	v.SetDefault("engine.qbittorrent.username", "admin")
	v.SetDefault("engine.qbittorrent.password", "")
	v.SetDefault("engine.qbittorrent.save_path", "")
	v.SetDefault("engine.qbittorrent.category", "folio")
	v.SetDefault("engine.qbittorrent.not_found_grace", "2m")

	for _, section := range []string{"metadata", "candidates", "engine"} {
		d := resilient.DefaultSettings("")
		p := section + ".resilience."
		v.SetDefault(p+"timeout", d.Timeout.String())
		v.SetDefault(p+"max_retries", d.MaxRetries)
		v.SetDefault(p+"base_delay", d.BaseDelay.String())
		v.SetDefault(p+"max_delay", d.MaxDelay.String())
		v.SetDefault(p+"max_jitter", d.MaxJitter.String())
		v.SetDefault(p+"failure_threshold", d.FailureThreshold)
		v.SetDefault(p+"open_duration", d.OpenDuration.String())
		v.SetDefault(p+"requests_per_second", d.RequestsPerSecond)
	}
}

// New returns a viper instance with defaults and env bindings. cfgFile may
// be empty, in which case ./folio.yaml is read when present.
func New(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("folio")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.folio")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals and validates v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Metadata.Resilience.Provider = "metadata"
	cfg.Candidates.Resilience.Provider = "torznab"
	cfg.Engine.Resilience.Provider = cfg.Engine.Kind
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.Candidates.Torznab.BaseURL == "" {
		errs = append(errs, errors.New("candidates.torznab.base_url is required"))
	}
	switch c.Engine.Kind {
	case EngineNoop:
	case EngineAria2:
		if c.Engine.Aria2.RPCURL == "" {
			errs = append(errs, errors.New("engine.aria2.rpc_url is required"))
		}
	case EngineQBittorrent:
		if c.Engine.QBittorrent.BaseURL == "" {
			errs = append(errs, errors.New("engine.qbittorrent.base_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine.kind %q", c.Engine.Kind))
	}
	seen := map[string]bool{}
	for _, p := range c.Metadata.Providers() {
		if p.Code == "" {
			errs = append(errs, fmt.Errorf("metadata provider %s has no code", p.BaseURL))
		}
		if seen[p.Code] {
			errs = append(errs, fmt.Errorf("duplicate metadata provider %q", p.Code))
		}
		seen[p.Code] = true
	}
	return errors.Join(errs...)
}
