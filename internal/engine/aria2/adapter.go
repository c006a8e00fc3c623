package aria2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/resilient"
)

// Magnet downloads first fetch metadata under one gid, which then names the
// real transfer in followedBy.
const maxFollow = 3

var statusKeys = []string{"gid", "status", "followedBy", "totalLength", "dir", "files", "bittorrent", "errorMessage"}

type tellStatus struct {
	GID          string   `json:"gid"`
	Status       string   `json:"status"`
	FollowedBy   []string `json:"followedBy"`
	TotalLength  string   `json:"totalLength"`
	Dir          string   `json:"dir"`
	ErrorMessage string   `json:"errorMessage"`
	Files        []struct {
		Path string `json:"path"`
	} `json:"files"`
	Bittorrent struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

// Enqueue: aria2.addUri([token?, [uris], options])
func (c *Client) Enqueue(ctx context.Context, uri string) (string, error) {
	if uri == "" {
		return "", data.ExecutionFailed(c.rc.Provider(), errors.New("empty download uri"))
	}
	gid, err := resilient.Call(ctx, c.rc, "enqueue", func(ctx context.Context) (string, error) {
		opts := c.policy.options()
		if c.dir != "" {
			opts["dir"] = c.dir
		}
		res, err := c.call(ctx, "aria2.addUri", []string{uri}, opts)
		if err != nil {
			return "", err
		}
		var gid string
		if err := json.Unmarshal(res, &gid); err != nil || gid == "" {
			return "", resilient.Permanent(fmt.Errorf("parse addUri result: %s", res))
		}
		return gid, nil
	})
	if err != nil {
		return "", engine.Wrap(c.rc.Provider(), err)
	}
	c.log.Info("enqueued", "gid", gid)
	return gid, nil
}

// GetStatus: aria2.tellStatus([token?, gid, keys]), following followedBy.
func (c *Client) GetStatus(ctx context.Context, gid string) (engine.Status, error) {
	st, err := resilient.Call(ctx, c.rc, "status", func(ctx context.Context) (engine.Status, error) {
		return c.status(ctx, gid)
	})
	return st, engine.Wrap(c.rc.Provider(), err)
}

func (c *Client) status(ctx context.Context, gid string) (engine.Status, error) {
	cur := gid
	for depth := 0; ; depth++ {
		ts, err := c.tell(ctx, cur)
		if err != nil {
			if isNotFound(err) {
				return engine.Status{State: engine.StateNotFound}, nil
			}
			return engine.Status{}, err
		}
		if len(ts.FollowedBy) > 0 && ts.FollowedBy[0] != "" && depth < maxFollow {
			c.follow(ts.FollowedBy[0], cur)
			cur = ts.FollowedBy[0]
			continue
		}
		return mapStatus(ts), nil
	}
}

func (c *Client) tell(ctx context.Context, gid string) (*tellStatus, error) {
	res, err := c.call(ctx, "aria2.tellStatus", gid, statusKeys)
	if err != nil {
		return nil, err
	}
	var ts tellStatus
	if err := json.Unmarshal(res, &ts); err != nil {
		return nil, resilient.Permanent(fmt.Errorf("parse tellStatus: %w", err))
	}
	return &ts, nil
}

func mapStatus(ts *tellStatus) engine.Status {
	switch ts.Status {
	case "waiting", "paused":
		return engine.Status{State: engine.StateQueued}
	case "complete":
		st := engine.Status{State: engine.StateCompleted}
		switch {
		case ts.Bittorrent.Info.Name != "":
			st.StoragePath = path.Join(ts.Dir, ts.Bittorrent.Info.Name)
		case len(ts.Files) > 0:
			st.StoragePath = ts.Files[0].Path
		}
		if n, err := strconv.ParseInt(ts.TotalLength, 10, 64); err == nil && n > 0 {
			st.SizeBytes = &n
		}
		return st
	case "error", "removed":
		return engine.Status{State: engine.StateFailed}
	}
	return engine.Status{State: engine.StateDownloading}
}

// Cancel: aria2.remove([token?, gid]) on the gid and every gid it spawned.
// aria2 never deletes files itself; deleteFiles only drops the stored result.
func (c *Client) Cancel(ctx context.Context, gid string, deleteFiles bool) error {
	_, err := resilient.Call(ctx, c.rc, "cancel", func(ctx context.Context) (struct{}, error) {
		cur := gid
		for depth := 0; depth <= maxFollow && cur != ""; depth++ {
			ts, err := c.tell(ctx, cur)
			if err != nil && !isNotFound(err) {
				return struct{}{}, err
			}
			if _, err := c.call(ctx, "aria2.remove", cur); err != nil && !isNotFound(err) {
				return struct{}{}, err
			}
			if deleteFiles {
				_, _ = c.call(ctx, "aria2.removeDownloadResult", cur)
			}
			if ts == nil || len(ts.FollowedBy) == 0 {
				break
			}
			cur = ts.FollowedBy[0]
		}
		return struct{}{}, nil
	})
	return engine.Wrap(c.rc.Provider(), err)
}

// Ping performs a lightweight RPC to check aria2 liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := resilient.Call(ctx, c.rc, "ping", func(ctx context.Context) (json.RawMessage, error) {
		return c.call(ctx, "aria2.getVersion")
	})
	return engine.Wrap(c.rc.Provider(), err)
}
