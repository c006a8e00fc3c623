package metadata

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/resilient"
)

var (
	ErrMalformed = errors.New("metadata: malformed payload")
	ErrNoItems   = errors.New("metadata: payload contains no valid items")
)

// ParseSearch accepts a flat array of items or an envelope object
// ({items|matches|results|docs: [...], total?}). A payload without a single
// usable item is an error, not an empty result.
func ParseSearch(body []byte, providerCode string) (data.Page[data.BookDetails], error) {
	var page data.Page[data.BookDetails]
	if !gjson.ValidBytes(body) {
		return page, resilient.Permanent(ErrMalformed)
	}
	root := gjson.ParseBytes(body)

	var items gjson.Result
	total := -1
	switch {
	case root.IsArray():
		items = root
	case root.IsObject():
		items = firstOf(root, "items", "matches", "results", "docs")
		if t := firstOf(root, "total", "totalCount", "total_count", "numFound"); t.Exists() {
			total = int(t.Int())
		}
	}
	if !items.IsArray() {
		return page, resilient.Permanent(ErrNoItems)
	}

	for _, it := range items.Array() {
		if d, ok := parseItem(it, providerCode, ""); ok {
			page.Items = append(page.Items, d)
		}
	}
	if len(page.Items) == 0 {
		return page, resilient.Permanent(ErrNoItems)
	}
	page.Total = total
	if page.Total < len(page.Items) {
		page.Total = len(page.Items)
	}
	return page, nil
}

// ParseDetails reads a single book, optionally wrapped in {book:{}} or
// {data:{}}. fallbackKey is used when the payload omits its own key.
func ParseDetails(body []byte, providerCode, fallbackKey string) (*data.BookDetails, error) {
	if !gjson.ValidBytes(body) {
		return nil, resilient.Permanent(ErrMalformed)
	}
	root := gjson.ParseBytes(body)
	if inner := firstOf(root, "book", "data"); inner.IsObject() {
		root = inner
	}
	d, ok := parseItem(root, providerCode, fallbackKey)
	if !ok {
		return nil, resilient.Permanent(ErrMalformed)
	}
	return &d, nil
}

func parseItem(it gjson.Result, providerCode, fallbackKey string) (data.BookDetails, bool) {
	if !it.IsObject() {
		return data.BookDetails{}, false
	}
	title := str(it, "title", "name")
	key := str(it, "key", "id", "bookKey")
	if key == "" {
		key = fallbackKey
	}
	if title == "" || key == "" {
		return data.BookDetails{}, false
	}
	desc := firstOf(it, "description", "summary")
	if desc.IsObject() {
		desc = desc.Get("value")
	}
	return data.BookDetails{
		ProviderCode:  providerCode,
		Key:           key,
		Title:         title,
		OriginalTitle: str(it, "originalTitle", "original_title"),
		Description:   strings.TrimSpace(desc.String()),
		PublishYear:   int(firstOf(it, "year", "publishYear", "first_publish_year", "firstPublishYear").Int()),
		CoverURL:      str(it, "cover", "coverUrl", "cover_url", "image"),
		Authors:       parseAuthors(it),
		Series:        parseSeries(it),
	}, true
}

func parseAuthors(it gjson.Result) []data.Author {
	v := firstOf(it, "authors", "author_name", "author")
	var out []data.Author
	add := func(e gjson.Result) {
		var a data.Author
		if e.IsObject() {
			a = data.Author{Key: str(e, "key", "id"), Name: str(e, "name")}
		} else {
			a.Name = Normalize(e.String())
		}
		if a.Name != "" {
			out = append(out, a)
		}
	}
	if v.IsArray() {
		for _, e := range v.Array() {
			add(e)
		}
	} else if v.Exists() {
		add(v)
	}
	return out
}

func parseSeries(it gjson.Result) []data.Series {
	v := firstOf(it, "series", "seriesName", "series_name")
	var out []data.Series
	add := func(e gjson.Result) {
		var s data.Series
		if e.IsObject() {
			s = data.Series{
				Key:   str(e, "key", "id"),
				Name:  str(e, "name", "title"),
				Index: str(e, "index", "position", "number"),
			}
		} else {
			s.Name = Normalize(e.String())
		}
		if s.Name != "" {
			out = append(out, s)
		}
	}
	if v.IsArray() {
		for _, e := range v.Array() {
			add(e)
		}
	} else if v.Exists() {
		add(v)
	}
	return out
}

func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func str(r gjson.Result, paths ...string) string {
	return Normalize(firstOf(r, paths...).String())
}
