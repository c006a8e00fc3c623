package aria2

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/tinoosan/folio/internal/engine"
)

// Notification represents an async event pushed by aria2.
type Notification struct {
	Method string              `json:"method"`
	Params []NotificationEvent `json:"params"`
}

type NotificationEvent struct {
	GID string `json:"gid"`
}

var methodEvents = map[string]engine.EventType{
	"aria2.onDownloadStart":      engine.EventStart,
	"aria2.onDownloadComplete":   engine.EventComplete,
	"aria2.onBtDownloadComplete": engine.EventComplete,
	"aria2.onDownloadError":      engine.EventFailed,
	"aria2.onDownloadStop":       engine.EventStopped,
}

// Notifications connects to the aria2 WebSocket endpoint and streams
// notifications. The channel is closed when the connection drops or ctx
// is cancelled.
func (c *Client) Notifications(ctx context.Context) (<-chan Notification, error) {
	wsURL := *c.rpcURL
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", wsURL.Scheme)
	}
	conn, _, err := websocket.Dial(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	ch := make(chan Notification, 8)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var n Notification
			if err := json.Unmarshal([]byte(strings.TrimSpace(string(msg))), &n); err != nil || n.Method == "" {
				continue
			}
			select {
			case ch <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Run subscribes to notifications and reports them against the gid the
// job knows about. It reconnects until ctx is done.
func (c *Client) Run(ctx context.Context, rep engine.Reporter) {
	const backoff = 5 * time.Second
	for {
		ch, err := c.Notifications(ctx)
		if err != nil {
			c.log.Warn("aria2 notifications unavailable", "err", err)
		} else {
			c.drain(ctx, ch, rep)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) drain(ctx context.Context, ch <-chan Notification, rep engine.Reporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			c.handleNotification(n, rep)
		}
	}
}

func (c *Client) handleNotification(n Notification, rep engine.Reporter) {
	typ, ok := methodEvents[n.Method]
	if !ok {
		return
	}
	for _, p := range n.Params {
		if p.GID == "" {
			continue
		}
		rep.Report(engine.Event{ExternalID: c.root(p.GID), Type: typ})
	}
}
