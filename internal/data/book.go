package data

import (
	"strings"
	"time"
)

// MediaType identifies the kind of media a book asset holds.
type MediaType string

const (
	MediaText    MediaType = "text"
	MediaAudio   MediaType = "audio"
	MediaUnknown MediaType = "unknown"
)

// ParseMediaType accepts the concrete media types only; unknown is a
// classification result and never a valid request value.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(strings.ToLower(strings.TrimSpace(s))) {
	case MediaText:
		return MediaText, nil
	case MediaAudio:
		return MediaAudio, nil
	}
	return "", ErrBadMediaType
}

// CatalogState is derived from a book's media assets.
type CatalogState string

const (
	StateArchive CatalogState = "Archive"
	StateLibrary CatalogState = "Library"
)

type AssetStatus string

const (
	AssetAvailable AssetStatus = "Available"
	AssetMissing   AssetStatus = "Missing"
)

type Author struct {
	Key  string `json:"key,omitempty"`
	Name string `json:"name"`
}

type Series struct {
	Key   string `json:"key,omitempty"`
	Name  string `json:"name"`
	Index string `json:"index,omitempty"`
}

// MediaAsset is unique per (book, media type).
type MediaAsset struct {
	MediaType      MediaType   `json:"mediaType"`
	SourceURL      string      `json:"sourceUrl"`
	SourceProvider string      `json:"sourceProvider"`
	StoragePath    string      `json:"storagePath,omitempty"`
	SizeBytes      int64       `json:"sizeBytes,omitempty"`
	Checksum       string      `json:"checksum,omitempty"`
	Status         AssetStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Book is identified by (ProviderCode, ProviderKey).
type Book struct {
	ID            string       `json:"id"`
	ProviderCode  string       `json:"providerCode"`
	ProviderKey   string       `json:"providerKey"`
	Title         string       `json:"title"`
	OriginalTitle string       `json:"originalTitle,omitempty"`
	Description   string       `json:"description,omitempty"`
	PublishYear   int          `json:"publishYear,omitempty"`
	CoverURL      string       `json:"coverUrl,omitempty"`
	Authors       []Author     `json:"authors,omitempty"`
	Series        []Series     `json:"series,omitempty"`
	State         CatalogState `json:"state"`
	Assets        []MediaAsset `json:"assets,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Asset returns the asset for mt or nil.
func (b *Book) Asset(mt MediaType) *MediaAsset {
	for i := range b.Assets {
		if b.Assets[i].MediaType == mt {
			return &b.Assets[i]
		}
	}
	return nil
}

// UpsertAsset replaces the asset with the same media type or appends a new
// one. CreatedAt of an existing asset is preserved.
func (b *Book) UpsertAsset(a MediaAsset) {
	if cur := b.Asset(a.MediaType); cur != nil {
		if !cur.CreatedAt.IsZero() {
			a.CreatedAt = cur.CreatedAt
		}
		*cur = a
		return
	}
	b.Assets = append(b.Assets, a)
}

// RecomputeState derives State from the full asset set.
func (b *Book) RecomputeState() {
	b.State = StateArchive
	for _, a := range b.Assets {
		if a.Status == AssetAvailable {
			b.State = StateLibrary
			return
		}
	}
}

// ApplyDetails copies provider metadata onto the book. Author and series
// links are replaced by the provider's current set.
func (b *Book) ApplyDetails(d *BookDetails) {
	b.Title = d.Title
	b.OriginalTitle = d.OriginalTitle
	b.Description = d.Description
	if d.PublishYear != 0 {
		b.PublishYear = d.PublishYear
	}
	if d.CoverURL != "" {
		b.CoverURL = d.CoverURL
	}
	b.Authors = append([]Author(nil), d.Authors...)
	b.Series = append([]Series(nil), d.Series...)
}

func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	c := *b
	c.Authors = append([]Author(nil), b.Authors...)
	c.Series = append([]Series(nil), b.Series...)
	c.Assets = append([]MediaAsset(nil), b.Assets...)
	return &c
}

// BookDetails is what a metadata provider knows about one title.
type BookDetails struct {
	ProviderCode  string   `json:"providerCode"`
	Key           string   `json:"key"`
	Title         string   `json:"title"`
	OriginalTitle string   `json:"originalTitle,omitempty"`
	Description   string   `json:"description,omitempty"`
	PublishYear   int      `json:"publishYear,omitempty"`
	CoverURL      string   `json:"coverUrl,omitempty"`
	Authors       []Author `json:"authors,omitempty"`
	Series        []Series `json:"series,omitempty"`
}

// FirstAuthor returns the first author's name or "".
func (d *BookDetails) FirstAuthor() string {
	if len(d.Authors) == 0 {
		return ""
	}
	return d.Authors[0].Name
}
