// Package reconciler drives download jobs toward the state their engine
// reports. A periodic sweep, on-demand reads and engine push events all
// funnel into SyncJob.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/metrics"
	"github.com/tinoosan/folio/internal/repo"
)

const (
	DefaultSweepInterval = 15 * time.Second
	// DefaultSubmitTimeout bounds how long an active job may wait for the
	// engine to hand back an external id.
	DefaultSubmitTimeout = 5 * time.Minute
)

// errStale aborts an update when the row moved on since it was read.
var errStale = errors.New("job changed concurrently")

type Reconciler struct {
	jobs     repo.Jobs
	books    repo.Books
	eng      engine.Client
	clk      clock.Clock
	interval time.Duration
	submit   time.Duration
	events   <-chan engine.Event
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithClock(c clock.Clock) Option { return func(r *Reconciler) { r.clk = c } }

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSubmitTimeout sets how long a job without an external id stays active.
// The engine's not-found grace period is used when it is longer.
func WithSubmitTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.submit = d
		}
	}
}

// WithEvents makes Run consume push notifications from an engine.
func WithEvents(ch <-chan engine.Event) Option { return func(r *Reconciler) { r.events = ch } }

// New creates a Reconciler over the given store and engine.
func New(log *slog.Logger, store *repo.Store, eng engine.Client, opts ...Option) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		jobs:     store.Jobs,
		books:    store.Books,
		eng:      eng,
		clk:      clock.WallClock,
		interval: DefaultSweepInterval,
		submit:   DefaultSubmitTimeout,
		log:      log.With("component", "reconciler"),
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts the sweep loop and, when configured, the event loop.
func (r *Reconciler) Run() {
	r.stop = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	r.log = r.log.With("operation_id", uuid.NewString())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				return
			case <-r.clk.After(r.interval):
				r.Sweep(r.ctx)
			}
		}
	}()

	if r.events == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				return
			case e, ok := <-r.events:
				if !ok {
					return
				}
				if _, err := r.SyncExternal(r.ctx, e.ExternalID); err != nil && r.ctx.Err() == nil {
					r.log.Error("sync on event", "external_id", e.ExternalID, "type", e.Type, "err", err)
				}
			}
		}
	}()
}

// Stop cancels in-flight work and waits for the loops to exit.
func (r *Reconciler) Stop() {
	if r.stop != nil {
		close(r.stop)
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	}
}

// Sweep syncs every active job once. Errors are logged per job and never
// stop the pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	start := r.clk.Now()
	defer func() { metrics.SweepDuration.Observe(r.clk.Now().Sub(start).Seconds()) }()

	active, err := r.jobs.ListActive(ctx)
	if err != nil {
		r.log.Error("list active jobs", "err", err)
		return
	}
	metrics.ActiveJobs.Set(float64(len(active)))
	for _, j := range active {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.sync(ctx, j); err != nil {
			r.log.Warn("sync job", "job_id", j.ID, "external_id", j.ExternalJobID, "err", err)
		}
	}
}

// SyncJob reads the engine status for one job and applies at most one
// transition. Terminal jobs are returned unchanged. A job that never got an
// external id is failed once it is older than the submit timeout.
func (r *Reconciler) SyncJob(ctx context.Context, jobID string) (*data.DownloadJob, error) {
	j, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return r.sync(ctx, j)
}

// SyncExternal syncs the job owning externalID. Unknown ids are ignored.
func (r *Reconciler) SyncExternal(ctx context.Context, externalID string) (*data.DownloadJob, error) {
	j, err := r.jobs.FindByExternalID(ctx, externalID)
	if err != nil || j == nil {
		return nil, err
	}
	return r.sync(ctx, j)
}

func (r *Reconciler) sync(ctx context.Context, j *data.DownloadJob) (*data.DownloadJob, error) {
	if !j.Status.Active() {
		return j, nil
	}
	if j.ExternalJobID == "" {
		return r.expireUnsubmitted(ctx, j)
	}
	st, err := r.eng.GetStatus(ctx, j.ExternalJobID)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", j.ExternalJobID, err)
	}

	bookMissing := false
	if st.State == engine.StateCompleted && j.Status == data.JobDownloading {
		err := r.finalize(ctx, j, st)
		switch {
		case errors.Is(err, data.ErrBookNotFound):
			bookMissing = true
		case err != nil:
			return nil, err
		}
	}

	now := r.clk.Now().UTC()
	grace := r.eng.NotFoundGracePeriod()
	return r.commit(ctx, j, st.State, func(cur *data.DownloadJob) {
		apply(cur, st, now, grace, bookMissing)
	})
}

// expireUnsubmitted fails an active job whose enqueue result was never
// recorded, freeing the slot for a new request.
func (r *Reconciler) expireUnsubmitted(ctx context.Context, j *data.DownloadJob) (*data.DownloadJob, error) {
	now := r.clk.Now().UTC()
	if now.Sub(j.CreatedAt) < max(r.submit, r.eng.NotFoundGracePeriod()) {
		return j, nil
	}
	return r.commit(ctx, j, engine.StateNotFound, func(cur *data.DownloadJob) {
		cur.Fail(data.ReasonMissingExternalJob, now)
	})
}

// commit applies mutate to the stored job unless it moved on since j was read.
func (r *Reconciler) commit(ctx context.Context, j *data.DownloadJob, observed engine.State, mutate func(*data.DownloadJob)) (*data.DownloadJob, error) {
	var from data.JobStatus
	out, err := r.jobs.Update(ctx, j.ID, func(cur *data.DownloadJob) error {
		if cur.Status != j.Status || cur.ExternalJobID != j.ExternalJobID {
			return errStale
		}
		from = cur.Status
		mutate(cur)
		return nil
	})
	if errors.Is(err, errStale) {
		return r.jobs.Get(ctx, j.ID)
	}
	if err != nil {
		return nil, err
	}
	if out.Status != from {
		metrics.JobTransitions.WithLabelValues(string(from), string(out.Status)).Inc()
		r.log.Info("job transition", "job_id", out.ID, "from", from, "to", out.Status,
			"external_state", observed, "reason", out.FailureReason)
	}
	return out, nil
}

// apply mutates j for one observation of the engine state.
func apply(j *data.DownloadJob, st engine.Status, now time.Time, grace time.Duration, bookMissing bool) {
	if st.State != engine.StateNotFound {
		j.FirstNotFoundAt = nil
	}
	j.UpdatedAt = now

	switch st.State {
	case engine.StateNotFound:
		if j.FirstNotFoundAt == nil {
			j.FirstNotFoundAt = &now
			return
		}
		if now.Sub(*j.FirstNotFoundAt) >= grace {
			j.Fail(data.ReasonMissingExternalJob, now)
		}
	case engine.StateFailed:
		j.Fail(data.ReasonProviderError, now)
	case engine.StateDownloading:
		if j.Status == data.JobQueued {
			j.Status = data.JobDownloading
		}
	case engine.StateCompleted:
		switch {
		case j.Status == data.JobQueued:
			j.Status = data.JobDownloading
		case bookMissing:
			j.Fail(data.ReasonBookNotFound, now)
		default:
			j.Status = data.JobCompleted
			j.CompletedAt = &now
		}
	}
}

// finalize marks the job's media asset available on its book. Only that
// asset is written so concurrent changes to other assets survive.
func (r *Reconciler) finalize(ctx context.Context, j *data.DownloadJob, st engine.Status) error {
	b, err := r.books.Get(ctx, j.BookID)
	if err != nil {
		return err
	}
	path := st.StoragePath
	if path == "" {
		path = "downloads/" + j.ExternalJobID
	}
	a := data.MediaAsset{MediaType: j.MediaType, SourceURL: j.Source}
	if cur := b.Asset(j.MediaType); cur != nil {
		a = *cur
	}
	a.Status = data.AssetAvailable
	a.StoragePath = path
	if st.SizeBytes != nil {
		a.SizeBytes = *st.SizeBytes
	}
	a.UpdatedAt = r.clk.Now().UTC()
	b.Assets = []data.MediaAsset{a}
	if _, err := r.books.Save(ctx, b); err != nil {
		return fmt.Errorf("finalize asset for book %s: %w", b.ID, err)
	}
	return nil
}

// Cancel stops an active job owned by userID. The engine keeps any files
// already written.
func (r *Reconciler) Cancel(ctx context.Context, jobID, userID string) (*data.DownloadJob, error) {
	j, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, data.ErrJobNotFound
	}
	if !j.Status.Active() {
		return nil, data.ErrCancelNotAllowed
	}
	if j.ExternalJobID != "" {
		if err := r.eng.Cancel(ctx, j.ExternalJobID, false); err != nil {
			return nil, err
		}
	}
	var from data.JobStatus
	out, err := r.jobs.Update(ctx, jobID, func(cur *data.DownloadJob) error {
		if !cur.Status.Active() {
			return data.ErrCancelNotAllowed
		}
		from = cur.Status
		cur.Status = data.JobCanceled
		cur.FirstNotFoundAt = nil
		cur.UpdatedAt = r.clk.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.JobTransitions.WithLabelValues(string(from), string(data.JobCanceled)).Inc()
	r.log.Info("job canceled", "job_id", jobID, "external_id", j.ExternalJobID)
	return out, nil
}
