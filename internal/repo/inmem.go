package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/folio/internal/data"
)

// NewInMemory returns a Store kept in process memory.
func NewInMemory() *Store {
	return &Store{
		Books: NewInMemoryBooks(),
		Jobs:  NewInMemoryJobs(),
		Users: NewInMemoryUsers(),
	}
}

type InMemoryBooks struct {
	mu    sync.RWMutex
	books map[string]*data.Book
	keys  map[string]string
}

func NewInMemoryBooks() *InMemoryBooks {
	return &InMemoryBooks{books: make(map[string]*data.Book), keys: make(map[string]string)}
}

func bookKey(code, key string) string { return code + "\x00" + key }

func (r *InMemoryBooks) Get(ctx context.Context, id string) (*data.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	if !ok {
		return nil, data.ErrBookNotFound
	}
	return b.Clone(), nil
}

func (r *InMemoryBooks) GetByProviderKey(ctx context.Context, providerCode, key string) (*data.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.keys[bookKey(providerCode, key)]
	if !ok {
		return nil, data.ErrBookNotFound
	}
	return r.books[id].Clone(), nil
}

func (r *InMemoryBooks) Save(ctx context.Context, b *data.Book) (*data.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	k := bookKey(b.ProviderCode, b.ProviderKey)

	cur, ok := r.books[r.keys[k]]
	if !ok {
		next := b.Clone()
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		next.CreatedAt, next.UpdatedAt = now, now
		for i := range next.Assets {
			stampAsset(&next.Assets[i], now)
		}
		next.RecomputeState()
		r.books[next.ID] = next
		r.keys[k] = next.ID
		return next.Clone(), nil
	}

	next := b.Clone()
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = now
	next.Assets = append([]data.MediaAsset(nil), cur.Assets...)
	for _, a := range b.Assets {
		stampAsset(&a, now)
		next.UpsertAsset(a)
	}
	next.RecomputeState()
	r.books[cur.ID] = next
	return next.Clone(), nil
}

func stampAsset(a *data.MediaAsset, now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}

type InMemoryJobs struct {
	mu   sync.RWMutex
	jobs []*data.DownloadJob
}

func NewInMemoryJobs() *InMemoryJobs { return &InMemoryJobs{} }

func (r *InMemoryJobs) Get(ctx context.Context, id string) (*data.DownloadJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// Create checks the active-job constraint and inserts under the same lock.
func (r *InMemoryJobs) Create(ctx context.Context, j *data.DownloadJob) (*data.DownloadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.Status.Active() && r.findActive(j.UserID, j.BookID, j.MediaType) != nil {
		return nil, data.ErrActiveJobExists
	}
	next := j.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = next.CreatedAt
	r.jobs = append(r.jobs, next)
	return next.Clone(), nil
}

func (r *InMemoryJobs) Update(ctx context.Context, id string, mutate func(*data.DownloadJob) error) (*data.DownloadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Status.Active() && !cur.Status.Active() {
		if other := r.findActive(next.UserID, next.BookID, next.MediaType); other != nil && other.ID != id {
			return nil, data.ErrActiveJobExists
		}
	}
	next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
	*cur = *next
	return cur.Clone(), nil
}

func (r *InMemoryJobs) FindActive(ctx context.Context, userID, bookID string, mt data.MediaType) (*data.DownloadJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findActive(userID, bookID, mt).Clone(), nil
}

func (r *InMemoryJobs) FindByExternalID(ctx context.Context, externalID string) (*data.DownloadJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *data.DownloadJob
	for _, j := range r.jobs {
		if externalID != "" && j.ExternalJobID == externalID {
			found = j
			if j.Status.Active() {
				break
			}
		}
	}
	return found.Clone(), nil
}

func (r *InMemoryJobs) ListActive(ctx context.Context) (data.DownloadJobs, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out data.DownloadJobs
	for _, j := range r.jobs {
		if j.Status.Active() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (r *InMemoryJobs) ListByUser(ctx context.Context, userID string, status *data.JobStatus, page, pageSize int) (int, data.DownloadJobs, error) {
	page, pageSize = clampPage(page, pageSize)
	r.mu.RLock()
	var matched data.DownloadJobs
	for _, j := range r.jobs {
		if j.UserID != userID || (status != nil && j.Status != *status) {
			continue
		}
		matched = append(matched, j.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return len(matched), data.DownloadJobs{}, nil
	}
	return len(matched), matched[start:min(start+pageSize, len(matched))], nil
}

func (r *InMemoryJobs) findByID(id string) (*data.DownloadJob, error) {
	for _, j := range r.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, data.ErrJobNotFound
}

func (r *InMemoryJobs) findActive(userID, bookID string, mt data.MediaType) *data.DownloadJob {
	for _, j := range r.jobs {
		if j.UserID == userID && j.BookID == bookID && j.MediaType == mt && j.Status.Active() {
			return j
		}
	}
	return nil
}

type InMemoryUsers struct {
	mu    sync.Mutex
	users map[string]time.Time
}

func NewInMemoryUsers() *InMemoryUsers { return &InMemoryUsers{users: make(map[string]time.Time)} }

func (r *InMemoryUsers) EnsureExists(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = time.Now().UTC()
	}
	return nil
}
