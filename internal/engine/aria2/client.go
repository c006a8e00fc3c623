// Package aria2 drives an aria2 daemon over JSON-RPC.
package aria2

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/resilient"
)

// Config locates the daemon. Dir is passed as the download directory when set.
// OnCollision is a CollisionPolicy value and defaults to error.
type Config struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	Secret        string        `mapstructure:"secret"`
	Dir           string        `mapstructure:"dir"`
	NotFoundGrace time.Duration `mapstructure:"not_found_grace"`
	OnCollision   string        `mapstructure:"on_collision"`
}

// Client implements engine.Client and engine.EventSource.
type Client struct {
	rpcURL *url.URL
	secret string
	dir    string
	grace  time.Duration
	policy CollisionPolicy
	http   *http.Client
	rc     *resilient.Client
	log    *slog.Logger

	mu     sync.RWMutex
	rootOf map[string]string // followed gid -> gid handed out by Enqueue
}

var (
	_ engine.Client      = (*Client)(nil)
	_ engine.EventSource = (*Client)(nil)
)

func NewClient(cfg Config, rc *resilient.Client, hc *http.Client, log *slog.Logger) (*Client, error) {
	raw := cfg.RPCURL
	if raw == "" {
		raw = "http://127.0.0.1:6800/jsonrpc"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("aria2: invalid rpc url %q", raw)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		rpcURL: u,
		secret: cfg.Secret,
		dir:    cfg.Dir,
		grace:  cfg.NotFoundGrace,
		policy: ParseCollisionPolicy(cfg.OnCollision),
		http:   hc,
		rc:     rc,
		log:    log.With("component", "engine", "engine", "aria2"),
		rootOf: make(map[string]string),
	}, nil
}

func (c *Client) NotFoundGracePeriod() time.Duration { return c.grace }

func (c *Client) follow(child, root string) {
	c.mu.Lock()
	c.rootOf[child] = root
	c.mu.Unlock()
}

// root maps a gid seen in a notification back to the id the job stores.
func (c *Client) root(gid string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := 0; i < maxFollow; i++ {
		r, ok := c.rootOf[gid]
		if !ok {
			break
		}
		gid = r
	}
	return gid
}
