package discovery

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/fp"
	"github.com/tinoosan/folio/internal/resilient"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// Metadata resolves book details; nil, nil means the book is unknown.
type Metadata interface {
	GetDetails(ctx context.Context, providerCode, bookKey string) (*data.BookDetails, error)
}

// Source runs one free-text query against a candidate index and returns
// every hit it has.
type Source interface {
	Search(ctx context.Context, query string) ([]data.Candidate, error)
}

// Engine finds, classifies and ranks download candidates for a book.
type Engine struct {
	meta   Metadata
	src    Source
	client *resilient.Client
	log    *slog.Logger
}

func NewEngine(meta Metadata, src Source, client *resilient.Client, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{meta: meta, src: src, client: client, log: log.With("component", "discovery")}
}

// Queries derives the ordered, de-duplicated search terms for d.
func Queries(d *data.BookDetails) []string {
	title := strings.TrimSpace(d.Title)
	orig := strings.TrimSpace(d.OriginalTitle)
	author := strings.TrimSpace(d.FirstAuthor())

	var out []string
	seen := map[string]bool{}
	add := func(parts ...string) {
		for _, p := range parts {
			if p == "" {
				return
			}
		}
		q := strings.Join(parts, " ")
		if k := strings.ToLower(q); !seen[k] {
			seen[k] = true
			out = append(out, q)
		}
	}
	add(title, author)
	add(title)
	add(orig, author)
	return out
}

// FindCandidates returns one page of ranked candidates for the book.
// An unknown book yields an empty page.
func (e *Engine) FindCandidates(ctx context.Context, providerCode, bookKey string, mt data.MediaType, page, pageSize int) (data.Page[data.Candidate], error) {
	empty := data.Page[data.Candidate]{Items: []data.Candidate{}}
	if mt != data.MediaText && mt != data.MediaAudio {
		return empty, data.ErrBadMediaType
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	d, err := e.meta.GetDetails(ctx, providerCode, bookKey)
	if err != nil {
		return empty, err
	}
	if d == nil {
		return empty, nil
	}

	hits, err := e.collect(ctx, Queries(d))
	if err != nil {
		return empty, err
	}

	kept := hits[:0]
	for _, c := range hits {
		c.MediaType = Classify(c.Title)
		if Keep(c.MediaType, mt) {
			kept = append(kept, c)
		}
	}
	Rank(kept, Target{Title: d.Title, OriginalTitle: d.OriginalTitle, MediaType: mt})
	e.log.Debug("candidates ranked", "provider", providerCode, "book_key", bookKey, "media_type", mt, "total", len(kept))
	return Paginate(kept, page, pageSize), nil
}

// Resolve re-runs discovery with a wide page and returns the candidate whose
// id matches, or nil.
func (e *Engine) Resolve(ctx context.Context, providerCode, bookKey string, mt data.MediaType, candidateID string) (*data.Candidate, error) {
	res, err := e.FindCandidates(ctx, providerCode, bookKey, mt, 1, MaxPageSize)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(candidateID)
	for i := range res.Items {
		if strings.EqualFold(res.Items[i].ID, id) {
			c := res.Items[i]
			return &c, nil
		}
	}
	return nil, nil
}

// collect runs the queries concurrently and merges hits in query order,
// keeping the first occurrence of each dedup key.
func (e *Engine) collect(ctx context.Context, queries []string) ([]data.Candidate, error) {
	results := make([][]data.Candidate, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			hits, err := resilient.Call(gctx, e.client, "search", func(ctx context.Context) ([]data.Candidate, error) {
				return e.src.Search(ctx, q)
			})
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn("candidate search failed", "err", err)
		return nil, data.CandidateProviderUnavailable(e.client.Provider(), err)
	}

	var out []data.Candidate
	seen := map[string]bool{}
	for _, hits := range results {
		for _, c := range hits {
			c.ID = fp.CandidateID(c.GUID, c.DownloadURI, c.SourceURL)
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}
