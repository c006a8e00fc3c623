package discovery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const feed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
  <channel>
    <item>
      <title>Dune Audiobook</title>
      <guid>https://idx/details/1</guid>
      <link>https://idx/dl/1.torrent</link>
      <comments>https://idx/details/1</comments>
      <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
      <size>734003200</size>
      <enclosure url="https://idx/dl/1.torrent" length="734003200" type="application/x-bittorrent"/>
      <torznab:attr name="seeders" value="42"/>
      <torznab:attr name="magneturl" value="magnet:?xt=urn:btih:abc"/>
    </item>
    <item>
      <title></title>
      <link>https://idx/dl/2.torrent</link>
    </item>
  </channel>
</rss>`

func TestParseResultsXML(t *testing.T) {
	cs, err := ParseResults([]byte(feed))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	c := cs[0]
	require.Equal(t, "Dune Audiobook", c.Title)
	require.Equal(t, "magnet:?xt=urn:btih:abc", c.DownloadURI)
	require.Equal(t, "https://idx/details/1", c.SourceURL)
	require.Equal(t, 42, *c.Seeders)
	require.Equal(t, int64(734003200), *c.SizeBytes)
	require.Equal(t, 2006, c.PublishedAt.Year())
}

func TestParseResultsJSON(t *testing.T) {
	body := `{"results":[
		{"title":"Dune epub","downloadUrl":"https://idx/1","infoHash":"abc","seeders":3,"size":1024,"details":"https://idx/d/1","publishDate":"2024-05-01T10:00:00Z"},
		{"title":"no link"}
	]}`
	cs, err := ParseResults([]byte(body))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, "https://idx/1", cs[0].DownloadURI)
	require.Equal(t, "abc", cs[0].GUID)
	require.Equal(t, 3, *cs[0].Seeders)
	require.Equal(t, "https://idx/d/1", cs[0].SourceURL)
}

func TestParseResultsErrors(t *testing.T) {
	for _, body := range []string{
		``,
		`not a feed`,
		`<error code="100" description="Incorrect user credentials"/>`,
		`{"message":"nope"}`,
	} {
		_, err := ParseResults([]byte(body))
		require.Error(t, err, body)
	}
}

func TestTorznabSourceSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api" || q.Get("t") != "search" || q.Get("q") != "Dune Frank Herbert" || q.Get("apikey") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, feed)
	}))
	defer srv.Close()

	s, err := NewTorznabSource(srv.URL, "k", "", srv.Client())
	require.NoError(t, err)
	cs, err := s.Search(context.Background(), "Dune Frank Herbert")
	require.NoError(t, err)
	require.Len(t, cs, 1)
}
