// Package qbittorrent drives a qBittorrent instance through its Web API.
package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/resilient"
)

const (
	maxBody = 4 << 20
	// Ids of transfers added from a plain URL, resolved through their tag.
	tagPrefix = "tag:"
)

var ErrLoginFailed = errors.New("qbittorrent: login rejected")

type Config struct {
	BaseURL       string        `mapstructure:"base_url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	SavePath      string        `mapstructure:"save_path"`
	Category      string        `mapstructure:"category"`
	NotFoundGrace time.Duration `mapstructure:"not_found_grace"`
}

// Client implements engine.Client. It holds a session cookie and logs in
// again once when the session expires.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	rc   *resilient.Client
	log  *slog.Logger

	mu       sync.Mutex
	loggedIn bool
}

var _ engine.Client = (*Client)(nil)

func NewClient(cfg Config, rc *resilient.Client, hc *http.Client, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("qbittorrent: invalid base url %q", cfg.BaseURL)
	}
	jar, _ := cookiejar.New(nil)
	if hc == nil {
		hc = &http.Client{}
	}
	c := *hc
	c.Jar = jar
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		base: u,
		http: &c,
		rc:   rc,
		log:  log.With("component", "engine", "engine", "qbittorrent"),
	}, nil
}

func (c *Client) NotFoundGracePeriod() time.Duration { return c.cfg.NotFoundGrace }

func (c *Client) login(ctx context.Context) error {
	form := url.Values{"username": {c.cfg.Username}, "password": {c.cfg.Password}}
	b, err := c.send(ctx, http.MethodPost, "auth/login", form)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(b)) != "Ok." {
		return resilient.Permanent(ErrLoginFailed)
	}
	c.loggedIn = true
	return nil
}

// do sends an authenticated request, logging in first if needed and once
// more if the session was rejected with 403.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values) ([]byte, error) {
	c.mu.Lock()
	if !c.loggedIn {
		if err := c.login(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	b, err := c.send(ctx, method, endpoint, form)
	var se *resilient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		return b, err
	}
	c.log.Debug("session rejected, logging in again")
	c.mu.Lock()
	c.loggedIn = false
	err = c.login(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.send(ctx, method, endpoint, form)
}

func (c *Client) send(ctx context.Context, method, endpoint string, form url.Values) ([]byte, error) {
	u := c.base.JoinPath("api/v2", endpoint)
	var body io.Reader
	if method == http.MethodGet {
		u.RawQuery = form.Encode()
	} else {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	// qBittorrent's CSRF check wants a Referer matching the host.
	req.Header.Set("Referer", c.base.String())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return resilient.ReadBody(resp, maxBody)
}

// Enqueue adds uri. Magnet links are identified by their info-hash; other
// URIs get a unique tag that later resolves to the torrent.
func (c *Client) Enqueue(ctx context.Context, uri string) (string, error) {
	if uri == "" {
		return "", data.ExecutionFailed(c.rc.Provider(), errors.New("empty download uri"))
	}
	id := InfoHash(uri)
	form := url.Values{"urls": {uri}}
	if id == "" {
		tag := "folio-" + uuid.NewString()
		form.Set("tags", tag)
		id = tagPrefix + tag
	}
	if c.cfg.SavePath != "" {
		form.Set("savepath", c.cfg.SavePath)
	}
	if c.cfg.Category != "" {
		form.Set("category", c.cfg.Category)
	}
	_, err := resilient.Call(ctx, c.rc, "enqueue", func(ctx context.Context) (struct{}, error) {
		b, err := c.do(ctx, http.MethodPost, "torrents/add", form)
		if err != nil {
			return struct{}{}, err
		}
		if strings.TrimSpace(string(b)) == "Fails." {
			return struct{}{}, resilient.Permanent(errors.New("qbittorrent rejected torrent"))
		}
		return struct{}{}, nil
	})
	if err != nil {
		return "", engine.Wrap(c.rc.Provider(), err)
	}
	c.log.Info("enqueued", "external_id", id)
	return id, nil
}

type torrentInfo struct {
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	State       string `json:"state"`
	SavePath    string `json:"save_path"`
	ContentPath string `json:"content_path"`
	Size        int64  `json:"size"`
	TotalSize   int64  `json:"total_size"`
}

func (c *Client) info(ctx context.Context, externalID string) (*torrentInfo, error) {
	q := url.Values{}
	if tag, ok := strings.CutPrefix(externalID, tagPrefix); ok {
		q.Set("tag", tag)
	} else {
		q.Set("hashes", externalID)
	}
	b, err := c.do(ctx, http.MethodGet, "torrents/info", q)
	if err != nil {
		return nil, err
	}
	var list []torrentInfo
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, resilient.Permanent(fmt.Errorf("parse torrents/info: %w", err))
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (c *Client) GetStatus(ctx context.Context, externalID string) (engine.Status, error) {
	st, err := resilient.Call(ctx, c.rc, "status", func(ctx context.Context) (engine.Status, error) {
		ti, err := c.info(ctx, externalID)
		if err != nil {
			return engine.Status{}, err
		}
		if ti == nil {
			return engine.Status{State: engine.StateNotFound}, nil
		}
		return mapInfo(ti), nil
	})
	return st, engine.Wrap(c.rc.Provider(), err)
}

func mapInfo(ti *torrentInfo) engine.Status {
	switch ti.State {
	case "error", "missingFiles":
		return engine.Status{State: engine.StateFailed}
	case "uploading", "stalledUP", "pausedUP", "stoppedUP", "queuedUP", "checkingUP", "forcedUP":
		st := engine.Status{State: engine.StateCompleted, StoragePath: ti.ContentPath}
		if st.StoragePath == "" && ti.SavePath != "" {
			st.StoragePath = strings.TrimRight(ti.SavePath, "/") + "/" + ti.Name
		}
		size := ti.TotalSize
		if size <= 0 {
			size = ti.Size
		}
		if size > 0 {
			st.SizeBytes = &size
		}
		return st
	case "queuedDL", "checkingDL", "metaDL", "allocating", "checkingResumeData", "moving":
		return engine.Status{State: engine.StateQueued}
	}
	return engine.Status{State: engine.StateDownloading}
}

func (c *Client) Cancel(ctx context.Context, externalID string, deleteFiles bool) error {
	_, err := resilient.Call(ctx, c.rc, "cancel", func(ctx context.Context) (struct{}, error) {
		hash := externalID
		if strings.HasPrefix(externalID, tagPrefix) {
			ti, err := c.info(ctx, externalID)
			if err != nil || ti == nil {
				return struct{}{}, err
			}
			hash = ti.Hash
		}
		form := url.Values{"hashes": {hash}, "deleteFiles": {fmt.Sprint(deleteFiles)}}
		_, err := c.do(ctx, http.MethodPost, "torrents/delete", form)
		return struct{}{}, err
	})
	return engine.Wrap(c.rc.Provider(), err)
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := resilient.Call(ctx, c.rc, "ping", func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, "app/version", nil)
	})
	return engine.Wrap(c.rc.Provider(), err)
}
