package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/resilient"
)

const maxBody = 4 << 20

// Query is a normalized search request.
type Query struct {
	Title  string
	Author string
	Page   int
}

// Provider fetches raw book metadata from one upstream source. Details
// returns nil, nil when the key is unknown.
type Provider interface {
	Search(ctx context.Context, q Query) (data.Page[data.BookDetails], error)
	Details(ctx context.Context, key string) (*data.BookDetails, error)
}

// HTTPProvider talks to a JSON metadata API exposing
// GET {base}/search and GET {base}/books/{key}.
type HTTPProvider struct {
	code   string
	base   *url.URL
	apiKey string
	http   *http.Client
}

func NewHTTPProvider(code, baseURL, apiKey string, hc *http.Client) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("metadata provider %s: invalid base url %q", code, baseURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPProvider{code: code, base: u, apiKey: apiKey, http: hc}, nil
}

func (p *HTTPProvider) Search(ctx context.Context, q Query) (data.Page[data.BookDetails], error) {
	u := p.base.JoinPath("search")
	v := url.Values{}
	if q.Title != "" {
		v.Set("title", q.Title)
	}
	if q.Author != "" {
		v.Set("author", q.Author)
	}
	v.Set("page", strconv.Itoa(q.Page))
	u.RawQuery = v.Encode()

	b, err := p.get(ctx, u)
	if err != nil {
		return data.Page[data.BookDetails]{}, err
	}
	return ParseSearch(b, p.code)
}

func (p *HTTPProvider) Details(ctx context.Context, key string) (*data.BookDetails, error) {
	b, err := p.get(ctx, p.base.JoinPath("books", key))
	if err != nil {
		var se *resilient.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return ParseDetails(b, p.code, key)
}

func (p *HTTPProvider) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	return resilient.ReadBody(resp, maxBody)
}
