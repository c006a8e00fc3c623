// Package engine defines the contract every download engine adapter meets.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/resilient"
)

// State is the engine-side view of a transfer.
type State string

const (
	StateQueued      State = "Queued"
	StateDownloading State = "Downloading"
	StateCompleted   State = "Completed"
	StateFailed      State = "Failed"
	StateNotFound    State = "NotFound"
)

// Status is what GetStatus reports. StoragePath and SizeBytes are only
// meaningful once the transfer completed.
type Status struct {
	State       State
	StoragePath string
	SizeBytes   *int64
}

// Client manages transfers on an external download engine.
type Client interface {
	// Enqueue hands uri to the engine and returns its id for the transfer.
	Enqueue(ctx context.Context, uri string) (string, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	// Cancel stops the transfer. Files are only removed when deleteFiles is set.
	Cancel(ctx context.Context, externalID string, deleteFiles bool) error
	// NotFoundGracePeriod is how long a freshly enqueued transfer may be
	// missing from the engine before it is considered lost.
	NotFoundGracePeriod() time.Duration
	Ping(ctx context.Context) error
}

// EventSource is implemented by engines that push state changes.
// Run blocks until ctx is done, reporting events as they arrive.
type EventSource interface {
	Run(ctx context.Context, rep Reporter)
}

// Wrap maps an error returned by resilient.Call onto the execution error
// taxonomy. Anything else, such as caller cancellation, passes through.
func Wrap(provider string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilient.ErrUnavailable):
		return data.ExecutionUnavailable(provider, err)
	case errors.Is(err, resilient.ErrFailed):
		return data.ExecutionFailed(provider, err)
	}
	return err
}
