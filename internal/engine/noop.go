package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Noop is an in-process engine for local runs without a real download
// client. Every enqueued transfer is reported as completed; nothing is
// downloaded.
type Noop struct {
	mu    sync.Mutex
	known map[string]bool
	log   *slog.Logger
}

func NewNoop(log *slog.Logger) *Noop {
	if log == nil {
		log = slog.Default()
	}
	return &Noop{known: make(map[string]bool), log: log.With("component", "engine", "engine", "noop")}
}

var _ Client = (*Noop)(nil)

func (n *Noop) Enqueue(_ context.Context, uri string) (string, error) {
	id := uuid.NewString()
	n.mu.Lock()
	n.known[id] = true
	n.mu.Unlock()
	n.log.Info("noop: enqueue", "external_id", id, "uri", uri)
	return id, nil
}

func (n *Noop) GetStatus(_ context.Context, externalID string) (Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.known[externalID] {
		return Status{State: StateNotFound}, nil
	}
	return Status{State: StateCompleted}, nil
}

func (n *Noop) Cancel(_ context.Context, externalID string, _ bool) error {
	n.mu.Lock()
	delete(n.known, externalID)
	n.mu.Unlock()
	n.log.Info("noop: cancel", "external_id", externalID)
	return nil
}

func (n *Noop) NotFoundGracePeriod() time.Duration { return 0 }

func (n *Noop) Ping(context.Context) error { return nil }
