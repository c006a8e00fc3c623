package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/clock"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/metrics"
	"github.com/tinoosan/folio/internal/repo"
)

// Metadata is the subset of the metadata service the orchestrator needs.
type Metadata interface {
	GetDetails(ctx context.Context, providerCode, bookKey string) (*data.BookDetails, error)
	Search(ctx context.Context, providerCode, title, author string, page int) (data.Page[data.BookDetails], error)
}

type Candidates interface {
	FindCandidates(ctx context.Context, providerCode, bookKey string, mt data.MediaType, page, pageSize int) (data.Page[data.Candidate], error)
	Resolve(ctx context.Context, providerCode, bookKey string, mt data.MediaType, candidateID string) (*data.Candidate, error)
}

// errJobClosed stops recording an enqueue on a job that is no longer active.
var errJobClosed = errors.New("job no longer active")

// Syncer drives a single job against the engine.
type Syncer interface {
	SyncJob(ctx context.Context, jobID string) (*data.DownloadJob, error)
	Cancel(ctx context.Context, jobID, userID string) (*data.DownloadJob, error)
}

type AddRequest struct {
	UserID       string
	ProviderCode string
	BookKey      string
	MediaType    data.MediaType
	CandidateID  string
}

// AddResult describes the job a request ended up with. Created is false when
// an already active job was returned.
type AddResult struct {
	BookID    string            `json:"bookId"`
	BookState data.CatalogState `json:"bookState"`
	Job       *data.DownloadJob `json:"job"`
	Created   bool              `json:"-"`
}

type Jobs interface {
	AddAndDownload(ctx context.Context, req AddRequest) (*AddResult, error)
	ListJobs(ctx context.Context, userID string, status *data.JobStatus, page, pageSize int) (int, data.DownloadJobs, error)
	GetJob(ctx context.Context, jobID, userID string) (*data.DownloadJob, error)
	CancelJob(ctx context.Context, jobID, userID string) (*data.DownloadJob, error)
	FindCandidates(ctx context.Context, providerCode, bookKey string, mt data.MediaType, page, pageSize int) (data.Page[data.Candidate], error)
	SearchMetadata(ctx context.Context, providerCode, title, author string, page int) (data.Page[data.BookDetails], error)
}

type jobs struct {
	store  *repo.Store
	meta   Metadata
	cands  Candidates
	eng    engine.Client
	sync   Syncer
	clk    clock.Clock
	log    *slog.Logger
	source string
}

// NewJobs wires the orchestrator. sourceProvider labels media assets with
// where their candidate came from.
func NewJobs(store *repo.Store, meta Metadata, cands Candidates, eng engine.Client, sync Syncer, clk clock.Clock, sourceProvider string, log *slog.Logger) Jobs {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &jobs{
		store:  store,
		meta:   meta,
		cands:  cands,
		eng:    eng,
		sync:   sync,
		clk:    clk,
		log:    log.With("component", "orchestrator"),
		source: sourceProvider,
	}
}

func validate(req *AddRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.BookKey = strings.TrimSpace(req.BookKey)
	req.CandidateID = strings.TrimSpace(req.CandidateID)
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user id is required", data.ErrInvalidInput)
	case req.BookKey == "":
		return fmt.Errorf("%w: bookKey is required", data.ErrInvalidInput)
	case req.CandidateID == "":
		return fmt.Errorf("%w: candidateId is required", data.ErrInvalidInput)
	case req.MediaType != data.MediaText && req.MediaType != data.MediaAudio:
		return data.ErrBadMediaType
	}
	return nil
}

// AddAndDownload makes sure exactly one active job exists for the user, book
// and media type, creating and enqueuing it when needed. Repeated calls while
// a job is active return that job and enqueue nothing.
func (s *jobs) AddAndDownload(ctx context.Context, req AddRequest) (*AddResult, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	log := s.log.With("user_id", req.UserID, "book_key", req.BookKey, "media_type", req.MediaType)

	details, err := s.meta.GetDetails(ctx, req.ProviderCode, req.BookKey)
	if err != nil {
		return nil, err
	}
	if details == nil {
		return nil, data.ErrBookNotFound
	}
	providerCode := details.ProviderCode
	if providerCode == "" {
		providerCode = req.ProviderCode
	}

	cand, err := s.cands.Resolve(ctx, providerCode, req.BookKey, req.MediaType, req.CandidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, data.ErrCandidateNotFound
	}

	book, err := s.store.Books.GetByProviderKey(ctx, providerCode, details.Key)
	switch {
	case errors.Is(err, data.ErrBookNotFound):
		book = &data.Book{ProviderCode: providerCode, ProviderKey: details.Key, State: data.StateArchive}
	case err != nil:
		return nil, err
	default:
		res, err := s.existing(ctx, req, book)
		if err != nil {
			return nil, err
		}
		if res != nil {
			log.Info("active job already exists", "job_id", res.Job.ID)
			return res, nil
		}
	}

	book.ApplyDetails(details)
	asset := data.MediaAsset{
		MediaType:      req.MediaType,
		SourceURL:      cand.SourceURL,
		SourceProvider: s.source,
		Status:         data.AssetMissing,
	}
	if asset.SourceURL == "" {
		asset.SourceURL = cand.DownloadURI
	}
	if cand.SizeBytes != nil {
		asset.SizeBytes = *cand.SizeBytes
	}
	// the store merges this asset and keeps the others as stored
	book.Assets = []data.MediaAsset{asset}

	if err := s.store.Users.EnsureExists(ctx, req.UserID); err != nil {
		return nil, err
	}
	saved, err := s.store.Books.Save(ctx, book)
	if err != nil {
		return nil, err
	}
	res, err := s.existing(ctx, req, saved)
	if err != nil {
		return nil, err
	}
	if res != nil {
		log.Info("active job appeared while saving book", "job_id", res.Job.ID)
		return res, nil
	}

	now := s.clk.Now().UTC()
	job, err := s.store.Jobs.Create(ctx, &data.DownloadJob{
		UserID:      req.UserID,
		BookID:      saved.ID,
		MediaType:   req.MediaType,
		Source:      cand.SourceURL,
		DownloadURI: cand.DownloadURI,
		Status:      data.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, data.ErrActiveJobExists) {
		res, ferr := s.existing(ctx, req, saved)
		if ferr != nil {
			return nil, ferr
		}
		if res == nil {
			return nil, err
		}
		log.Info("lost job creation race", "job_id", res.Job.ID)
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	log = log.With("job_id", job.ID)

	externalID, err := s.eng.Enqueue(ctx, cand.DownloadURI)
	if err != nil {
		reason := data.ReasonEnqueueUnavailable
		if errors.Is(err, data.ErrExecutionFailed) {
			reason = data.ReasonEnqueueFailed
		}
		// record the failure even if the caller went away
		var from data.JobStatus
		failed, uerr := s.store.Jobs.Update(context.WithoutCancel(ctx), job.ID, func(j *data.DownloadJob) error {
			from = j.Status
			if j.Status.Active() {
				j.Fail(reason, s.clk.Now().UTC())
			}
			return nil
		})
		switch {
		case uerr != nil:
			log.Error("record enqueue failure", "err", uerr)
		case failed.Status != from:
			metrics.JobTransitions.WithLabelValues(string(from), string(failed.Status)).Inc()
		}
		log.Warn("enqueue failed", "reason", reason, "err", err)
		return nil, err
	}

	// the engine holds the transfer now; record it even if the caller went away
	var from data.JobStatus
	updated, err := s.store.Jobs.Update(context.WithoutCancel(ctx), job.ID, func(j *data.DownloadJob) error {
		from = j.Status
		if !j.Status.Active() {
			return errJobClosed
		}
		j.ExternalJobID = externalID
		if j.Status == data.JobQueued {
			j.Status = data.JobDownloading
		}
		j.UpdatedAt = s.clk.Now().UTC()
		return nil
	})
	if errors.Is(err, errJobClosed) {
		log.Warn("job closed before enqueue was recorded", "status", from, "external_id", externalID)
		if cerr := s.eng.Cancel(context.WithoutCancel(ctx), externalID, false); cerr != nil {
			log.Error("cancel orphaned transfer", "external_id", externalID, "err", cerr)
		}
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if err != nil {
		return nil, err
	}
	if updated.Status != from {
		metrics.JobTransitions.WithLabelValues(string(from), string(updated.Status)).Inc()
	}
	log.Info("download enqueued", "external_id", externalID)
	return &AddResult{BookID: saved.ID, BookState: saved.State, Job: updated, Created: true}, nil
}

func (s *jobs) existing(ctx context.Context, req AddRequest, book *data.Book) (*AddResult, error) {
	j, err := s.store.Jobs.FindActive(ctx, req.UserID, book.ID, req.MediaType)
	if err != nil || j == nil {
		return nil, err
	}
	return &AddResult{BookID: book.ID, BookState: book.State, Job: j}, nil
}

func (s *jobs) ListJobs(ctx context.Context, userID string, status *data.JobStatus, page, pageSize int) (int, data.DownloadJobs, error) {
	if status != nil && !status.Valid() {
		return 0, nil, fmt.Errorf("%w: unknown status %q", data.ErrInvalidInput, *status)
	}
	return s.store.Jobs.ListByUser(ctx, userID, status, page, pageSize)
}

// GetJob syncs an active job with the engine before reading it. Sync
// failures are logged and the stored row is returned as is.
func (s *jobs) GetJob(ctx context.Context, jobID, userID string) (*data.DownloadJob, error) {
	j, err := s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, data.ErrJobNotFound
	}
	if !j.Status.Active() {
		return j, nil
	}
	if synced, err := s.sync.SyncJob(ctx, jobID); err != nil {
		s.log.Warn("on-demand sync failed", "job_id", jobID, "err", err)
	} else if synced != nil {
		return synced, nil
	}
	return s.store.Jobs.Get(ctx, jobID)
}

func (s *jobs) CancelJob(ctx context.Context, jobID, userID string) (*data.DownloadJob, error) {
	return s.sync.Cancel(ctx, jobID, userID)
}

func (s *jobs) FindCandidates(ctx context.Context, providerCode, bookKey string, mt data.MediaType, page, pageSize int) (data.Page[data.Candidate], error) {
	if strings.TrimSpace(bookKey) == "" {
		return data.Page[data.Candidate]{}, fmt.Errorf("%w: bookKey is required", data.ErrInvalidInput)
	}
	return s.cands.FindCandidates(ctx, providerCode, bookKey, mt, page, pageSize)
}

func (s *jobs) SearchMetadata(ctx context.Context, providerCode, title, author string, page int) (data.Page[data.BookDetails], error) {
	return s.meta.Search(ctx, providerCode, title, author, page)
}
