package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// an explicit file that does not exist is an error
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	t.Chdir(t.TempDir())
	v, err := New("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, 15*time.Second, cfg.SweepInterval)
	require.Equal(t, 5*time.Minute, cfg.SubmitTimeout)
	require.Equal(t, EngineNoop, cfg.Engine.Kind)
	require.Equal(t, 2*time.Minute, cfg.Engine.QBittorrent.NotFoundGrace)
	require.Equal(t, 10*time.Minute, cfg.Metadata.Cache.SearchTTL)
	require.Equal(t, 5, cfg.Engine.Resilience.FailureThreshold)
	require.Equal(t, "noop", cfg.Engine.Resilience.Provider)
	require.Empty(t, cfg.Metadata.Providers())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "folio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":8081"
engine:
  kind: qbittorrent
  qbittorrent:
    base_url: http://qbit:8080
    not_found_grace: 45s
metadata:
  provider:
    code: hc
    base_url: http://meta
  extra:
    - code: ol
      base_url: http://openlibrary
  resilience:
    max_retries: 4
`), 0o600))

	t.Setenv("FOLIO_API_TOKEN", "sekrit")
	t.Setenv("FOLIO_ENGINE_QBITTORRENT_PASSWORD", "pw")
	t.Setenv("FOLIO_SWEEP_INTERVAL", "5s")

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, ":8081", cfg.Listen)
	require.Equal(t, "sekrit", cfg.APIToken)
	require.Equal(t, 5*time.Second, cfg.SweepInterval)
	require.Equal(t, "http://qbit:8080", cfg.Engine.QBittorrent.BaseURL)
	require.Equal(t, "pw", cfg.Engine.QBittorrent.Password)
	require.Equal(t, 45*time.Second, cfg.Engine.QBittorrent.NotFoundGrace)
	require.Equal(t, 4, cfg.Metadata.Resilience.MaxRetries)
	require.Equal(t, 2, cfg.Candidates.Resilience.MaxRetries)

	ps := cfg.Metadata.Providers()
	require.Len(t, ps, 2)
	require.Equal(t, "hc", ps[0].Code)
	require.Equal(t, "ol", ps[1].Code)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Listen:        ":1",
			SweepInterval: time.Second,
			Candidates:    CandidatesConfig{Torznab: TorznabConfig{BaseURL: "http://jackett"}},
			Engine:        EngineConfig{Kind: EngineNoop},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"unknown engine", func(c *Config) { c.Engine.Kind = "transmission" }, false},
		{"zero sweep", func(c *Config) { c.SweepInterval = 0 }, false},
		{"no torznab", func(c *Config) { c.Candidates.Torznab.BaseURL = "" }, false},
		{"duplicate provider", func(c *Config) {
			c.Metadata.Provider = ProviderConfig{Code: "hc", BaseURL: "http://a"}
			c.Metadata.Extra = []ProviderConfig{{Code: "hc", BaseURL: "http://b"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
