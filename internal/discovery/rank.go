package discovery

import (
	"cmp"
	"slices"
	"strings"

	"github.com/tinoosan/folio/internal/data"
)

const sizeThreshold int64 = 100 << 20

// Target is what candidates are ranked against.
type Target struct {
	Title         string
	OriginalTitle string
	MediaType     data.MediaType
}

func titleScore(c *data.Candidate, t Target) int {
	title := strings.ToLower(strings.TrimSpace(c.Title))
	want := strings.ToLower(t.Title)
	if want != "" && title == want {
		return 2
	}
	if want != "" && strings.Contains(title, want) {
		return 1
	}
	if orig := strings.ToLower(t.OriginalTitle); orig != "" && strings.Contains(title, orig) {
		return 1
	}
	return 0
}

func sizeScore(c *data.Candidate, mt data.MediaType) int {
	if c.SizeBytes == nil {
		return 0
	}
	switch mt {
	case data.MediaAudio:
		if *c.SizeBytes >= sizeThreshold {
			return 1
		}
	case data.MediaText:
		if *c.SizeBytes <= sizeThreshold {
			return 1
		}
	}
	return 0
}

func seeders(c *data.Candidate) int {
	if c.Seeders == nil {
		return 0
	}
	return *c.Seeders
}

func published(c *data.Candidate) int64 {
	if c.PublishedAt == nil {
		return -1 << 63
	}
	return c.PublishedAt.UnixNano()
}

// Rank orders cs in place: title match, seeders, size sanity, newest first,
// then title.
func Rank(cs []data.Candidate, t Target) {
	t.Title = strings.TrimSpace(t.Title)
	t.OriginalTitle = strings.TrimSpace(t.OriginalTitle)
	slices.SortStableFunc(cs, func(a, b data.Candidate) int {
		if c := cmp.Compare(titleScore(&b, t), titleScore(&a, t)); c != 0 {
			return c
		}
		if c := cmp.Compare(seeders(&b), seeders(&a)); c != 0 {
			return c
		}
		if c := cmp.Compare(sizeScore(&b, t.MediaType), sizeScore(&a, t.MediaType)); c != 0 {
			return c
		}
		if c := cmp.Compare(published(&b), published(&a)); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})
}

// Paginate returns the 1-based page of cs. Total is always len(cs).
func Paginate(cs []data.Candidate, page, pageSize int) data.Page[data.Candidate] {
	out := data.Page[data.Candidate]{Total: len(cs), Items: []data.Candidate{}}
	start := (page - 1) * pageSize
	if start >= len(cs) {
		return out
	}
	end := min(start+pageSize, len(cs))
	out.Items = cs[start:end]
	return out
}
