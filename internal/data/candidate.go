package data

import "time"

// Candidate is one external search hit. It is never persisted.
type Candidate struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	DownloadURI string     `json:"downloadUri"`
	SourceURL   string     `json:"sourceUrl"`
	GUID        string     `json:"guid,omitempty"`
	Seeders     *int       `json:"seeders,omitempty"`
	SizeBytes   *int64     `json:"sizeBytes,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	MediaType   MediaType  `json:"mediaType"`
}

// Page is a paginated slice with the total count before pagination.
type Page[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}
