package repo

import (
	"context"

	"github.com/tinoosan/folio/internal/data"
)

// Books stores catalog entries. Save upserts by (ProviderCode, ProviderKey):
// the book row, its author and series links and every asset in b.Assets.
// Assets not present in b are left untouched and State is recomputed from
// the stored asset set.
type Books interface {
	Get(ctx context.Context, id string) (*data.Book, error)
	GetByProviderKey(ctx context.Context, providerCode, key string) (*data.Book, error)
	Save(ctx context.Context, b *data.Book) (*data.Book, error)
}

// Jobs stores download jobs. Create fails with data.ErrActiveJobExists when
// another Queued or Downloading job exists for the same user, book and
// media type.
type Jobs interface {
	JobReader
	JobWriter
}

type JobReader interface {
	Get(ctx context.Context, id string) (*data.DownloadJob, error)
	// FindActive returns nil, nil when no active job exists.
	FindActive(ctx context.Context, userID, bookID string, mt data.MediaType) (*data.DownloadJob, error)
	FindByExternalID(ctx context.Context, externalID string) (*data.DownloadJob, error)
	ListActive(ctx context.Context) (data.DownloadJobs, error)
	// ListByUser returns the total match count and one page, newest first.
	ListByUser(ctx context.Context, userID string, status *data.JobStatus, page, pageSize int) (int, data.DownloadJobs, error)
}

type JobWriter interface {
	Create(ctx context.Context, j *data.DownloadJob) (*data.DownloadJob, error)
	// Update loads the job, applies mutate and writes it back atomically.
	Update(ctx context.Context, id string, mutate func(*data.DownloadJob) error) (*data.DownloadJob, error)
}

type Users interface {
	EnsureExists(ctx context.Context, userID string) error
}

// Store bundles the repositories behind one backend.
type Store struct {
	Books Books
	Jobs  Jobs
	Users Users

	ping  func(context.Context) error
	close func() error
}

func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}
