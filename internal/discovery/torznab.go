package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/resilient"
)

const maxBody = 8 << 20

var ErrUnknownFormat = errors.New("candidate source: unrecognised response format")

// TorznabSource queries a torznab-compatible indexer (or an aggregator that
// answers the same endpoint with JSON).
type TorznabSource struct {
	base       *url.URL
	apiKey     string
	categories string
	http       *http.Client
}

func NewTorznabSource(baseURL, apiKey, categories string, hc *http.Client) (*TorznabSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("candidate source: invalid base url %q", baseURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &TorznabSource{base: u, apiKey: apiKey, categories: categories, http: hc}, nil
}

func (s *TorznabSource) Search(ctx context.Context, query string) ([]data.Candidate, error) {
	u := s.base.JoinPath("api")
	v := url.Values{}
	v.Set("t", "search")
	v.Set("q", query)
	if s.apiKey != "" {
		v.Set("apikey", s.apiKey)
	}
	if s.categories != "" {
		v.Set("cat", s.categories)
	}
	u.RawQuery = v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	b, err := resilient.ReadBody(resp, maxBody)
	if err != nil {
		return nil, err
	}
	return ParseResults(b)
}

// ParseResults sniffs body and decodes either torznab RSS or JSON.
func ParseResults(body []byte) ([]data.Candidate, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, resilient.Permanent(ErrUnknownFormat)
	}
	switch trimmed[0] {
	case '<':
		return parseXML(trimmed)
	case '[', '{':
		return parseJSON(trimmed)
	}
	return nil, resilient.Permanent(ErrUnknownFormat)
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type rssItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	GUID      string `xml:"guid"`
	Comments  string `xml:"comments"`
	PubDate   string `xml:"pubDate"`
	Size      string `xml:"size"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length string `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []torznabAttr `xml:"attr"`
}

type rssFeed struct {
	XMLName xml.Name
	Code    string    `xml:"code,attr"`
	Desc    string    `xml:"description,attr"`
	Items   []rssItem `xml:"channel>item"`
}

func parseXML(body []byte) ([]data.Candidate, error) {
	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, resilient.Permanent(fmt.Errorf("candidate source: decode xml: %w", err))
	}
	if feed.XMLName.Local == "error" {
		return nil, resilient.Permanent(fmt.Errorf("candidate source: torznab error %s: %s", feed.Code, feed.Desc))
	}
	out := make([]data.Candidate, 0, len(feed.Items))
	for _, it := range feed.Items {
		attrs := map[string]string{}
		for _, a := range it.Attrs {
			attrs[strings.ToLower(a.Name)] = strings.TrimSpace(a.Value)
		}
		c := data.Candidate{
			Title:       strings.TrimSpace(it.Title),
			DownloadURI: pickDownload(attrs["magneturl"], it.Link, it.Enclosure.URL),
			SourceURL:   firstNonEmpty(it.Comments, httpOnly(it.GUID), it.Link),
			GUID:        firstNonEmpty(it.GUID, attrs["infohash"]),
			Seeders:     parseInt(attrs["seeders"]),
			SizeBytes:   parseInt64(firstNonEmpty(attrs["size"], it.Size, it.Enclosure.Length)),
			PublishedAt: parseTime(it.PubDate),
		}
		if c.Title == "" || c.DownloadURI == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func parseJSON(body []byte) ([]data.Candidate, error) {
	if !gjson.ValidBytes(body) {
		return nil, resilient.Permanent(errors.New("candidate source: malformed json"))
	}
	root := gjson.ParseBytes(body)
	items := root
	if root.IsObject() {
		items = root.Get("results")
		if !items.Exists() {
			items = root.Get("items")
		}
	}
	if !items.IsArray() {
		return nil, resilient.Permanent(ErrUnknownFormat)
	}
	var out []data.Candidate
	for _, it := range items.Array() {
		get := func(paths ...string) string {
			for _, p := range paths {
				if v := it.Get(p); v.Exists() && v.String() != "" {
					return strings.TrimSpace(v.String())
				}
			}
			return ""
		}
		c := data.Candidate{
			Title:       get("title"),
			DownloadURI: pickDownload(get("magnetUrl"), get("link"), get("downloadUrl")),
			SourceURL:   get("details", "comments", "infoUrl"),
			GUID:        get("guid", "infoHash"),
			Seeders:     parseInt(get("seeders")),
			SizeBytes:   parseInt64(get("size")),
			PublishedAt: parseTime(get("publishDate")),
		}
		if c.Title == "" || c.DownloadURI == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// pickDownload prefers a magnet link over any other URI.
func pickDownload(uris ...string) string {
	for _, u := range uris {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(u)), "magnet:") {
			return strings.TrimSpace(u)
		}
	}
	return firstNonEmpty(uris...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func httpOnly(s string) string {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return ""
}

func parseInt(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

func parseInt64(s string) *int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

var timeLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
