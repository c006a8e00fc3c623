package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/resilient"
)

var ErrEmptyQuery = fmt.Errorf("%w: title or author is required", data.ErrInvalidInput)

// CacheSettings bounds the search and details caches.
type CacheSettings struct {
	Size       int           `mapstructure:"size"`
	SearchTTL  time.Duration `mapstructure:"search_ttl"`
	DetailsTTL time.Duration `mapstructure:"details_ttl"`
}

type source struct {
	provider Provider
	client   *resilient.Client
}

// Service resolves book metadata through registered providers. Successful
// results are cached; a cache hit never consults the circuit breaker.
type Service struct {
	def      string
	sources  map[string]source
	searches *expirable.LRU[string, data.Page[data.BookDetails]]
	details  *expirable.LRU[string, *data.BookDetails]
	log      *slog.Logger
}

func NewService(cs CacheSettings, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cs.Size <= 0 {
		cs.Size = 1024
	}
	if cs.SearchTTL <= 0 {
		cs.SearchTTL = 10 * time.Minute
	}
	if cs.DetailsTTL <= 0 {
		cs.DetailsTTL = time.Hour
	}
	return &Service{
		sources:  make(map[string]source),
		searches: expirable.NewLRU[string, data.Page[data.BookDetails]](cs.Size, nil, cs.SearchTTL),
		details:  expirable.NewLRU[string, *data.BookDetails](cs.Size, nil, cs.DetailsTTL),
		log:      log.With("component", "metadata"),
	}
}

// Register adds a provider under code. The first registered provider is the
// default for calls with an empty provider code.
func (s *Service) Register(code string, p Provider, c *resilient.Client) {
	if s.def == "" {
		s.def = code
	}
	s.sources[code] = source{provider: p, client: c}
}

func (s *Service) lookup(code string) (string, source, error) {
	if code == "" {
		code = s.def
	}
	src, ok := s.sources[code]
	if !ok {
		return code, source{}, fmt.Errorf("%w: %q", data.ErrUnknownProvider, code)
	}
	return code, src, nil
}

// Search queries providerCode by title and/or author.
func (s *Service) Search(ctx context.Context, providerCode, title, author string, page int) (data.Page[data.BookDetails], error) {
	var zero data.Page[data.BookDetails]
	code, src, err := s.lookup(providerCode)
	if err != nil {
		return zero, err
	}
	q := Query{Title: Normalize(title), Author: Normalize(author), Page: page}
	if q.Title == "" && q.Author == "" {
		return zero, ErrEmptyQuery
	}
	if q.Page < 1 {
		q.Page = 1
	}
	key := fmt.Sprintf("%s|%s|%s|%d", code, strings.ToLower(q.Title), strings.ToLower(q.Author), q.Page)
	if v, ok := s.searches.Get(key); ok {
		return v, nil
	}
	if src.client.Open() {
		return zero, data.MetadataProviderUnavailable(code, resilient.ErrUnavailable)
	}

	res, err := resilient.Call(ctx, src.client, "search", func(ctx context.Context) (data.Page[data.BookDetails], error) {
		return src.provider.Search(ctx, q)
	})
	if err != nil {
		return zero, s.fail(ctx, code, err)
	}
	s.searches.Add(key, res)
	return res, nil
}

// GetDetails returns the book identified by bookKey, or nil when the
// provider does not know it.
func (s *Service) GetDetails(ctx context.Context, providerCode, bookKey string) (*data.BookDetails, error) {
	code, src, err := s.lookup(providerCode)
	if err != nil {
		return nil, err
	}
	bookKey = Normalize(bookKey)
	if bookKey == "" {
		return nil, nil
	}
	key := code + "|" + bookKey
	if v, ok := s.details.Get(key); ok {
		return v, nil
	}
	if src.client.Open() {
		return nil, data.MetadataProviderUnavailable(code, resilient.ErrUnavailable)
	}

	d, err := resilient.Call(ctx, src.client, "details", func(ctx context.Context) (*data.BookDetails, error) {
		return src.provider.Details(ctx, bookKey)
	})
	if err != nil {
		return nil, s.fail(ctx, code, err)
	}
	if d == nil {
		return nil, nil
	}
	if d.ProviderCode == "" {
		d.ProviderCode = code
	}
	s.details.Add(key, d)
	return d, nil
}

func (s *Service) fail(ctx context.Context, code string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	s.log.Warn("metadata lookup failed", "provider", code, "err", err)
	return data.MetadataProviderUnavailable(code, err)
}
