package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tinoosan/folio/internal/data"
)

// activeJobIndex backs the one-active-job rule.
const activeJobIndex = "download_jobs_one_active"

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS books (
    id UUID PRIMARY KEY,
    provider_code TEXT NOT NULL,
    provider_key TEXT NOT NULL,
    title TEXT NOT NULL,
    original_title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    publish_year INT NOT NULL DEFAULT 0,
    cover_url TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (provider_code, provider_key)
);
CREATE TABLE IF NOT EXISTS book_authors (
    book_id UUID NOT NULL REFERENCES books(id),
    name TEXT NOT NULL,
    author_key TEXT NOT NULL DEFAULT '',
    position INT NOT NULL,
    PRIMARY KEY (book_id, name)
);
CREATE TABLE IF NOT EXISTS book_series (
    book_id UUID NOT NULL REFERENCES books(id),
    name TEXT NOT NULL,
    series_key TEXT NOT NULL DEFAULT '',
    series_index TEXT NOT NULL DEFAULT '',
    position INT NOT NULL,
    PRIMARY KEY (book_id, name)
);
CREATE TABLE IF NOT EXISTS media_assets (
    book_id UUID NOT NULL REFERENCES books(id),
    media_type TEXT NOT NULL,
    source_url TEXT NOT NULL DEFAULT '',
    source_provider TEXT NOT NULL DEFAULT '',
    storage_path TEXT NOT NULL DEFAULT '',
    size_bytes BIGINT NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (book_id, media_type)
);
CREATE TABLE IF NOT EXISTS download_jobs (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    book_id UUID NOT NULL REFERENCES books(id),
    media_type TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    download_uri TEXT NOT NULL,
    external_job_id TEXT,
    status TEXT NOT NULL,
    first_not_found_at TIMESTAMPTZ,
    failure_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS ` + activeJobIndex + `
    ON download_jobs (user_id, book_id, media_type)
    WHERE status IN ('Queued', 'Downloading');
CREATE INDEX IF NOT EXISTS download_jobs_external ON download_jobs (external_job_id);
CREATE INDEX IF NOT EXISTS download_jobs_user ON download_jobs (user_id, created_at DESC);
`

// NewPostgres opens dsn through the pgx stdlib driver and ensures the schema.
func NewPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{
		Books: &PostgresBooks{db: db},
		Jobs:  &PostgresJobs{db: db},
		Users: &PostgresUsers{db: db},
		ping:  db.PingContext,
		close: db.Close,
	}, nil
}

// DSNFromEnv builds a DSN from POSTGRES_* variables. It returns "" when
// POSTGRES_HOST is unset.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST, POSTGRES_PORT (5432), POSTGRES_DB (folio),
//	POSTGRES_USER (folio), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
func DSNFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(getenv("POSTGRES_USER", "folio"), os.Getenv("POSTGRES_PASSWORD")),
		Host:   net.JoinHostPort(host, getenv("POSTGRES_PORT", "5432")),
		Path:   "/" + getenv("POSTGRES_DB", "folio"),
	}
	q := url.Values{}
	q.Set("sslmode", getenv("POSTGRES_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func isUniqueViolation(err error, constraint string) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) || pe.Code != "23505" {
		return false
	}
	return constraint == "" || pe.ConstraintName == constraint
}

type rowScanner interface{ Scan(dest ...any) error }

type PostgresUsers struct{ db *sql.DB }

func (r *PostgresUsers) EnsureExists(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	return err
}

type PostgresBooks struct{ db *sql.DB }

const bookCols = `id,provider_code,provider_key,title,original_title,description,publish_year,cover_url,state,created_at,updated_at`

func (r *PostgresBooks) Get(ctx context.Context, id string) (*data.Book, error) {
	return r.load(ctx, r.db, `SELECT `+bookCols+` FROM books WHERE id=$1`, id)
}

func (r *PostgresBooks) GetByProviderKey(ctx context.Context, providerCode, key string) (*data.Book, error) {
	return r.load(ctx, r.db, `SELECT `+bookCols+` FROM books WHERE provider_code=$1 AND provider_key=$2`, providerCode, key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *PostgresBooks) load(ctx context.Context, q querier, query string, args ...any) (*data.Book, error) {
	var b data.Book
	var state string
	err := q.QueryRowContext(ctx, query, args...).Scan(&b.ID, &b.ProviderCode, &b.ProviderKey, &b.Title, &b.OriginalTitle,
		&b.Description, &b.PublishYear, &b.CoverURL, &state, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrBookNotFound
		}
		return nil, err
	}
	b.State = data.CatalogState(state)

	rows, err := q.QueryContext(ctx, `SELECT author_key,name FROM book_authors WHERE book_id=$1 ORDER BY position`, b.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var a data.Author
		if err := rows.Scan(&a.Key, &a.Name); err != nil {
			rows.Close()
			return nil, err
		}
		b.Authors = append(b.Authors, a)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT series_key,name,series_index FROM book_series WHERE book_id=$1 ORDER BY position`, b.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var s data.Series
		if err := rows.Scan(&s.Key, &s.Name, &s.Index); err != nil {
			rows.Close()
			return nil, err
		}
		b.Series = append(b.Series, s)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT media_type,source_url,source_provider,storage_path,size_bytes,checksum,status,created_at,updated_at
FROM media_assets WHERE book_id=$1 ORDER BY media_type`, b.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a data.MediaAsset
		var mt, status string
		if err := rows.Scan(&mt, &a.SourceURL, &a.SourceProvider, &a.StoragePath, &a.SizeBytes, &a.Checksum, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.MediaType, a.Status = data.MediaType(mt), data.AssetStatus(status)
		b.Assets = append(b.Assets, a)
	}
	return &b, rows.Err()
}

// Save upserts the book by provider key inside one transaction and
// reconciles author and series links: stale ones are removed, new ones added.
func (r *PostgresBooks) Save(ctx context.Context, b *data.Book) (*data.Book, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = tx.QueryRowContext(ctx, `
INSERT INTO books (id,provider_code,provider_key,title,original_title,description,publish_year,cover_url,state,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
ON CONFLICT (provider_code, provider_key) DO UPDATE SET
    title=EXCLUDED.title, original_title=EXCLUDED.original_title, description=EXCLUDED.description,
    publish_year=CASE WHEN EXCLUDED.publish_year <> 0 THEN EXCLUDED.publish_year ELSE books.publish_year END,
    cover_url=CASE WHEN EXCLUDED.cover_url <> '' THEN EXCLUDED.cover_url ELSE books.cover_url END,
    updated_at=EXCLUDED.updated_at
RETURNING id`,
		id, b.ProviderCode, b.ProviderKey, b.Title, b.OriginalTitle, b.Description, b.PublishYear, b.CoverURL,
		string(data.StateArchive), now).Scan(&id)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.Authors))
	for i, a := range b.Authors {
		names = append(names, a.Name)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO book_authors (book_id,name,author_key,position) VALUES ($1,$2,$3,$4)
ON CONFLICT (book_id,name) DO UPDATE SET author_key=EXCLUDED.author_key, position=EXCLUDED.position`,
			id, a.Name, a.Key, i); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM book_authors WHERE book_id=$1 AND NOT (name = ANY($2))`, id, names); err != nil {
		return nil, err
	}

	names = names[:0]
	for i, s := range b.Series {
		names = append(names, s.Name)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO book_series (book_id,name,series_key,series_index,position) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (book_id,name) DO UPDATE SET series_key=EXCLUDED.series_key, series_index=EXCLUDED.series_index, position=EXCLUDED.position`,
			id, s.Name, s.Key, s.Index, i); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM book_series WHERE book_id=$1 AND NOT (name = ANY($2))`, id, names); err != nil {
		return nil, err
	}

	for _, a := range b.Assets {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO media_assets (book_id,media_type,source_url,source_provider,storage_path,size_bytes,checksum,status,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
ON CONFLICT (book_id,media_type) DO UPDATE SET
    source_url=EXCLUDED.source_url, source_provider=EXCLUDED.source_provider, storage_path=EXCLUDED.storage_path,
    size_bytes=EXCLUDED.size_bytes, checksum=EXCLUDED.checksum, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
			id, string(a.MediaType), a.SourceURL, a.SourceProvider, a.StoragePath, a.SizeBytes, a.Checksum, string(a.Status), now); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE books SET state = CASE WHEN EXISTS (
    SELECT 1 FROM media_assets WHERE book_id=$1 AND status=$2) THEN $3 ELSE $4 END
WHERE id=$1`, id, string(data.AssetAvailable), string(data.StateLibrary), string(data.StateArchive)); err != nil {
		return nil, err
	}

	saved, err := r.load(ctx, tx, `SELECT `+bookCols+` FROM books WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

type PostgresJobs struct{ db *sql.DB }

const jobCols = `id,user_id,book_id,media_type,source,download_uri,external_job_id,status,first_not_found_at,failure_reason,created_at,updated_at,completed_at`

func scanJob(rs rowScanner) (*data.DownloadJob, error) {
	var (
		j                data.DownloadJob
		mt, status       string
		external, reason sql.NullString
		notFound, doneAt sql.NullTime
	)
	if err := rs.Scan(&j.ID, &j.UserID, &j.BookID, &mt, &j.Source, &j.DownloadURI, &external, &status,
		&notFound, &reason, &j.CreatedAt, &j.UpdatedAt, &doneAt); err != nil {
		return nil, err
	}
	j.MediaType, j.Status = data.MediaType(mt), data.JobStatus(status)
	j.ExternalJobID, j.FailureReason = external.String, reason.String
	if notFound.Valid {
		t := notFound.Time.UTC()
		j.FirstNotFoundAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time.UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *PostgresJobs) Get(ctx context.Context, id string) (*data.DownloadJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, data.ErrJobNotFound
	}
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM download_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, data.ErrJobNotFound
	}
	return j, err
}

// Create relies on the partial unique index; a violation means a concurrent
// request won and surfaces as data.ErrActiveJobExists.
func (r *PostgresJobs) Create(ctx context.Context, j *data.DownloadJob) (*data.DownloadJob, error) {
	next := j.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	next.UpdatedAt = next.CreatedAt
	_, err := r.db.ExecContext(ctx, `INSERT INTO download_jobs (`+jobCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		next.ID, next.UserID, next.BookID, string(next.MediaType), next.Source, next.DownloadURI, nullString(next.ExternalJobID),
		string(next.Status), nullTime(next.FirstNotFoundAt), nullString(next.FailureReason), next.CreatedAt, next.UpdatedAt, nullTime(next.CompletedAt))
	if err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return nil, data.ErrActiveJobExists
		}
		return nil, err
	}
	return next, nil
}

// Update serializes writers on the row with SELECT ... FOR UPDATE.
func (r *PostgresJobs) Update(ctx context.Context, id string, mutate func(*data.DownloadJob) error) (*data.DownloadJob, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM download_jobs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrJobNotFound
		}
		return nil, err
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE download_jobs SET source=$1, download_uri=$2, external_job_id=$3, status=$4,
first_not_found_at=$5, failure_reason=$6, updated_at=$7, completed_at=$8 WHERE id=$9`,
		next.Source, next.DownloadURI, nullString(next.ExternalJobID), string(next.Status), nullTime(next.FirstNotFoundAt),
		nullString(next.FailureReason), next.UpdatedAt, nullTime(next.CompletedAt), id)
	if err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return nil, data.ErrActiveJobExists
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *PostgresJobs) FindActive(ctx context.Context, userID, bookID string, mt data.MediaType) (*data.DownloadJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM download_jobs
WHERE user_id=$1 AND book_id=$2 AND media_type=$3 AND status IN ('Queued','Downloading')`, userID, bookID, string(mt)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *PostgresJobs) FindByExternalID(ctx context.Context, externalID string) (*data.DownloadJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM download_jobs
WHERE external_job_id=$1 ORDER BY (status IN ('Queued','Downloading')) DESC, created_at DESC LIMIT 1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *PostgresJobs) ListActive(ctx context.Context) (data.DownloadJobs, error) {
	return r.list(ctx, `SELECT `+jobCols+` FROM download_jobs WHERE status IN ('Queued','Downloading') ORDER BY created_at`)
}

func (r *PostgresJobs) ListByUser(ctx context.Context, userID string, status *data.JobStatus, page, pageSize int) (int, data.DownloadJobs, error) {
	page, pageSize = clampPage(page, pageSize)
	var st sql.NullString
	if status != nil {
		st = nullString(string(*status))
	}
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM download_jobs WHERE user_id=$1 AND ($2::text IS NULL OR status=$2)`,
		userID, st).Scan(&total); err != nil {
		return 0, nil, err
	}
	items, err := r.list(ctx, `SELECT `+jobCols+` FROM download_jobs WHERE user_id=$1 AND ($2::text IS NULL OR status=$2)
ORDER BY created_at DESC LIMIT $3 OFFSET $4`, userID, st, pageSize, (page-1)*pageSize)
	if err != nil {
		return 0, nil, err
	}
	return total, items, nil
}

func (r *PostgresJobs) list(ctx context.Context, query string, args ...any) (data.DownloadJobs, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := data.DownloadJobs{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
