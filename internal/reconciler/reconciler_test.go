package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/metrics"
	"github.com/tinoosan/folio/internal/repo"
)

type canceled struct {
	id          string
	deleteFiles bool
}

type stubEngine struct {
	mu       sync.Mutex
	statuses map[string]engine.Status
	errs     map[string]error
	grace    time.Duration
	calls    int
	canceled []canceled
}

func newStubEngine(grace time.Duration) *stubEngine {
	return &stubEngine{statuses: map[string]engine.Status{}, errs: map[string]error{}, grace: grace}
}

func (s *stubEngine) set(id string, st engine.Status) {
	s.mu.Lock()
	s.statuses[id] = st
	s.mu.Unlock()
}

func (s *stubEngine) Enqueue(context.Context, string) (string, error) { return "", errors.New("unused") }

func (s *stubEngine) GetStatus(_ context.Context, id string) (engine.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.errs[id]; err != nil {
		return engine.Status{}, err
	}
	st, ok := s.statuses[id]
	if !ok {
		return engine.Status{State: engine.StateNotFound}, nil
	}
	return st, nil
}

func (s *stubEngine) Cancel(_ context.Context, id string, deleteFiles bool) error {
	s.mu.Lock()
	s.canceled = append(s.canceled, canceled{id, deleteFiles})
	s.mu.Unlock()
	return nil
}

func (s *stubEngine) NotFoundGracePeriod() time.Duration { return s.grace }

func (s *stubEngine) Ping(context.Context) error { return nil }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *repo.Store
	eng   *stubEngine
	clk   *testclock.Clock
	r     *Reconciler
	book  *data.Book
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := repo.NewInMemory()
	b, err := store.Books.Save(context.Background(), &data.Book{
		ProviderCode: "hc",
		ProviderKey:  "dune",
		Title:        "Dune",
		State:        data.StateArchive,
		Assets: []data.MediaAsset{{
			MediaType:      data.MediaAudio,
			SourceURL:      "https://indexer/dune",
			SourceProvider: "torznab",
			Status:         data.AssetMissing,
		}},
	})
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	f := &fixture{store: store, eng: newStubEngine(30 * time.Second), clk: testclock.NewClock(t0), book: b}
	opts = append([]Option{WithClock(f.clk)}, opts...)
	f.r = New(slog.New(slog.NewTextHandler(io.Discard, nil)), store, f.eng, opts...)
	return f
}

func (f *fixture) job(t *testing.T, user string, status data.JobStatus, ext string) *data.DownloadJob {
	t.Helper()
	j, err := f.store.Jobs.Create(context.Background(), &data.DownloadJob{
		UserID:        user,
		BookID:        f.book.ID,
		MediaType:     data.MediaAudio,
		Source:        "https://indexer/dune",
		DownloadURI:   "magnet:?xt=urn:btih:abc",
		ExternalJobID: ext,
		Status:        status,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestSyncNotFoundGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.job(t, "u1", data.JobDownloading, "ext-1")

	got, err := f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != data.JobDownloading || got.FirstNotFoundAt == nil || !got.FirstNotFoundAt.Equal(t0) {
		t.Fatalf("first not found: status=%s first=%v", got.Status, got.FirstNotFoundAt)
	}

	f.clk.Advance(20 * time.Second)
	got, err = f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != data.JobDownloading {
		t.Fatalf("failed inside grace: %s", got.Status)
	}
	if !got.FirstNotFoundAt.Equal(t0) {
		t.Fatalf("first observation moved: %v", got.FirstNotFoundAt)
	}

	f.clk.Advance(10 * time.Second)
	got, err = f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != data.JobFailed || got.FailureReason != data.ReasonMissingExternalJob {
		t.Fatalf("after grace: status=%s reason=%q", got.Status, got.FailureReason)
	}
	if got.FirstNotFoundAt != nil {
		t.Fatalf("not found bookkeeping kept on failure")
	}
}

func TestSyncReappearClearsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.job(t, "u1", data.JobQueued, "ext-1")

	if _, err := f.r.SyncJob(ctx, j.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	f.eng.set("ext-1", engine.Status{State: engine.StateQueued})
	got, err := f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.FirstNotFoundAt != nil || got.Status != data.JobQueued {
		t.Fatalf("status=%s first=%v", got.Status, got.FirstNotFoundAt)
	}

	f.eng.set("ext-1", engine.Status{State: engine.StateDownloading})
	got, _ = f.r.SyncJob(ctx, j.ID)
	if got.Status != data.JobDownloading {
		t.Fatalf("not promoted: %s", got.Status)
	}
}

func TestSyncCompletionIsTwoStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.job(t, "u1", data.JobQueued, "ext-1")
	size := int64(734003200)
	f.eng.set("ext-1", engine.Status{State: engine.StateCompleted, StoragePath: "/data/Dune", SizeBytes: &size})

	before := testutil.ToFloat64(metrics.JobTransitions.WithLabelValues("Downloading", "Completed"))

	got, err := f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != data.JobDownloading {
		t.Fatalf("first pass status = %s, want Downloading", got.Status)
	}
	b, _ := f.store.Books.Get(ctx, f.book.ID)
	if b.Asset(data.MediaAudio).Status != data.AssetMissing || b.State != data.StateArchive {
		t.Fatalf("asset finalized on first pass")
	}

	got, err = f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != data.JobCompleted || got.CompletedAt == nil {
		t.Fatalf("second pass status = %s completed=%v", got.Status, got.CompletedAt)
	}
	b, _ = f.store.Books.Get(ctx, f.book.ID)
	a := b.Asset(data.MediaAudio)
	if a.Status != data.AssetAvailable || a.StoragePath != "/data/Dune" || a.SizeBytes != size {
		t.Fatalf("asset = %+v", a)
	}
	if b.State != data.StateLibrary {
		t.Fatalf("book state = %s", b.State)
	}
	if d := testutil.ToFloat64(metrics.JobTransitions.WithLabelValues("Downloading", "Completed")) - before; d != 1 {
		t.Fatalf("completed transitions = %v", d)
	}

	// terminal jobs are left alone
	calls := f.eng.calls
	if _, err := f.r.SyncJob(ctx, j.ID); err != nil {
		t.Fatalf("sync terminal: %v", err)
	}
	if f.eng.calls != calls {
		t.Fatalf("engine queried for terminal job")
	}
}

func TestSyncCompletionSynthesizesPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.job(t, "u1", data.JobDownloading, "ext-9")
	f.eng.set("ext-9", engine.Status{State: engine.StateCompleted})

	if _, err := f.r.SyncJob(ctx, j.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, _ := f.store.Books.Get(ctx, f.book.ID)
	if p := b.Asset(data.MediaAudio).StoragePath; p != "downloads/ext-9" {
		t.Fatalf("storage path = %q", p)
	}
}

func TestSyncFailures(t *testing.T) {
	cases := []struct {
		name   string
		bookID string
		state  engine.State
		reason string
	}{
		{"engine failed", "", engine.StateFailed, data.ReasonProviderError},
		{"book gone", "missing-book", engine.StateCompleted, data.ReasonBookNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tc.bookID != "" {
				f.book.ID = tc.bookID
			}
			j := f.job(t, "u1", data.JobDownloading, "ext-1")
			f.eng.set("ext-1", engine.Status{State: tc.state})

			got, err := f.r.SyncJob(ctx, j.ID)
			if err != nil {
				t.Fatalf("sync: %v", err)
			}
			if got.Status != data.JobFailed || got.FailureReason != tc.reason {
				t.Fatalf("status=%s reason=%q, want Failed %q", got.Status, got.FailureReason, tc.reason)
			}
		})
	}
}

func TestSyncExpiresJobsWithoutExternalID(t *testing.T) {
	f := newFixture(t, WithSubmitTimeout(2*time.Minute))
	ctx := context.Background()
	j, err := f.store.Jobs.Create(ctx, &data.DownloadJob{
		UserID:    "u1",
		BookID:    f.book.ID,
		MediaType: data.MediaAudio,
		Status:    data.JobQueued,
		CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	f.clk.Advance(time.Minute)
	got, err := f.r.SyncJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != data.JobQueued || f.eng.calls != 0 {
		t.Fatalf("status=%s calls=%d", got.Status, f.eng.calls)
	}

	f.clk.Advance(time.Minute)
	f.r.Sweep(ctx)
	got, _ = f.store.Jobs.Get(ctx, j.ID)
	if got.Status != data.JobFailed || got.FailureReason != data.ReasonMissingExternalJob {
		t.Fatalf("status=%s reason=%q", got.Status, got.FailureReason)
	}
	if f.eng.calls != 0 {
		t.Fatalf("engine queried without an external id")
	}

	// the slot is free again
	if _, err := f.store.Jobs.Create(ctx, &data.DownloadJob{UserID: "u1", BookID: f.book.ID, MediaType: data.MediaAudio, Status: data.JobQueued}); err != nil {
		t.Fatalf("new job after expiry: %v", err)
	}
}

// staleBooks hands out a snapshot, then lets another writer update one of
// its other assets before the caller saves.
type staleBooks struct {
	repo.Books
	once  sync.Once
	other data.MediaAsset
}

func (b *staleBooks) Get(ctx context.Context, id string) (*data.Book, error) {
	snap, err := b.Books.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.once.Do(func() {
		next := snap.Clone()
		next.Assets = []data.MediaAsset{b.other}
		_, err = b.Books.Save(ctx, next)
	})
	return snap, err
}

func TestFinalizeKeepsOtherAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.Books.Save(ctx, &data.Book{ProviderCode: "hc", ProviderKey: "dune", Title: "Dune", Assets: []data.MediaAsset{{
		MediaType: data.MediaText,
		SourceURL: "https://indexer/dune-epub",
		Status:    data.AssetMissing,
	}}}); err != nil {
		t.Fatalf("save text asset: %v", err)
	}
	sb := &staleBooks{Books: f.store.Books, other: data.MediaAsset{
		MediaType:   data.MediaText,
		SourceURL:   "https://indexer/dune-epub",
		StoragePath: "/data/Dune.epub",
		Status:      data.AssetAvailable,
	}}
	f.store.Books = sb
	f.r = New(slog.New(slog.NewTextHandler(io.Discard, nil)), f.store, f.eng, WithClock(f.clk))

	j := f.job(t, "u1", data.JobDownloading, "ext-1")
	f.eng.set("ext-1", engine.Status{State: engine.StateCompleted, StoragePath: "/data/Dune"})
	if _, err := f.r.SyncJob(ctx, j.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}

	b, _ := sb.Books.Get(ctx, f.book.ID)
	if a := b.Asset(data.MediaText); a == nil || a.Status != data.AssetAvailable || a.StoragePath != "/data/Dune.epub" {
		t.Fatalf("text asset = %+v", a)
	}
	if a := b.Asset(data.MediaAudio); a.Status != data.AssetAvailable || a.StoragePath != "/data/Dune" {
		t.Fatalf("audio asset = %+v", a)
	}
}

func TestSyncExternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.job(t, "u1", data.JobQueued, "ext-1")
	f.eng.set("ext-1", engine.Status{State: engine.StateDownloading})

	got, err := f.r.SyncExternal(ctx, "ext-1")
	if err != nil {
		t.Fatalf("sync external: %v", err)
	}
	if got.ID != j.ID || got.Status != data.JobDownloading {
		t.Fatalf("got %+v", got)
	}
	got, err = f.r.SyncExternal(ctx, "unknown")
	if err != nil || got != nil {
		t.Fatalf("unknown id: %v %v", got, err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.job(t, "u1", data.JobCompleted, "ext-0")
	if _, err := f.r.Cancel(ctx, done.ID, "u1"); !errors.Is(err, data.ErrCancelNotAllowed) {
		t.Fatalf("cancel completed: %v", err)
	}

	j := f.job(t, "u1", data.JobDownloading, "ext-1")
	if _, err := f.r.Cancel(ctx, j.ID, "u2"); !errors.Is(err, data.ErrJobNotFound) {
		t.Fatalf("cancel foreign job: %v", err)
	}
	got, err := f.r.Cancel(ctx, j.ID, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != data.JobCanceled {
		t.Fatalf("status = %s", got.Status)
	}
	if len(f.eng.canceled) != 1 || f.eng.canceled[0] != (canceled{"ext-1", false}) {
		t.Fatalf("engine cancel calls = %+v", f.eng.canceled)
	}
	if _, err := f.r.Cancel(ctx, j.ID, "u1"); !errors.Is(err, data.ErrCancelNotAllowed) {
		t.Fatalf("second cancel: %v", err)
	}

	local := f.job(t, "u3", data.JobQueued, "")
	if _, err := f.r.Cancel(ctx, local.ID, "u3"); err != nil {
		t.Fatalf("cancel without external id: %v", err)
	}
	if len(f.eng.canceled) != 1 {
		t.Fatalf("engine called for job without external id")
	}
}

func TestSweepContinuesPastErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.job(t, "u1", data.JobQueued, "ext-bad")
	good := f.job(t, "u2", data.JobQueued, "ext-good")
	f.eng.errs["ext-bad"] = errors.New("boom")
	f.eng.set("ext-good", engine.Status{State: engine.StateDownloading})

	f.r.Sweep(ctx)

	if got, _ := f.store.Jobs.Get(ctx, good.ID); got.Status != data.JobDownloading {
		t.Fatalf("good job status = %s", got.Status)
	}
	if got, _ := f.store.Jobs.Get(ctx, bad.ID); got.Status != data.JobQueued {
		t.Fatalf("bad job status = %s", got.Status)
	}
	if v := testutil.ToFloat64(metrics.ActiveJobs); v != 2 {
		t.Fatalf("active jobs gauge = %v", v)
	}
}

func waitForStatus(t *testing.T, store *repo.Store, id string, want data.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, _ := store.Jobs.Get(context.Background(), id); j != nil && j.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
}

func TestRunSweepsOnTick(t *testing.T) {
	f := newFixture(t, WithInterval(time.Minute))
	j := f.job(t, "u1", data.JobQueued, "ext-1")
	f.eng.set("ext-1", engine.Status{State: engine.StateDownloading})

	f.r.Run()
	defer f.r.Stop()
	if err := f.clk.WaitAdvance(time.Minute, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitForStatus(t, f.store, j.ID, data.JobDownloading)
}

func TestRunHandlesEvents(t *testing.T) {
	events := make(chan engine.Event, 1)
	f := newFixture(t, WithEvents(events))
	j := f.job(t, "u1", data.JobQueued, "ext-1")
	f.eng.set("ext-1", engine.Status{State: engine.StateFailed})

	f.r.Run()
	defer f.r.Stop()
	engine.NewChanReporter(events).Report(engine.Event{ExternalID: "ext-1", Type: engine.EventFailed})
	waitForStatus(t, f.store, j.ID, data.JobFailed)
}
