package qbittorrent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/resilient"
)

const hash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

type fakeQbit struct {
	mu       sync.Mutex
	session  string
	logins   int
	added    []addCall
	deleted  []string
	torrents []torrentInfo
}

type addCall struct{ urls, tags, savepath string }

func (f *fakeQbit) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.FormValue("username") != "admin" || r.FormValue("password") != "pw" {
			_, _ = io.WriteString(w, "Fails.")
			return
		}
		f.logins++
		f.session = strings.Repeat("s", f.logins)
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: f.session, Path: "/"})
		_, _ = io.WriteString(w, "Ok.")
	})
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ck, err := r.Cookie("SID")
			f.mu.Lock()
			ok := err == nil && ck.Value == f.session
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("/api/v2/torrents/add", authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.added = append(f.added, addCall{r.FormValue("urls"), r.FormValue("tags"), r.FormValue("savepath")})
		f.mu.Unlock()
		_, _ = io.WriteString(w, "Ok.")
	}))
	mux.HandleFunc("/api/v2/torrents/info", authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []torrentInfo{}
		for _, ti := range f.torrents {
			if ti.Hash == r.URL.Query().Get("hashes") || (r.URL.Query().Get("tag") != "" && ti.Name == r.URL.Query().Get("tag")) {
				out = append(out, ti)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	mux.HandleFunc("/api/v2/torrents/delete", authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.FormValue("hashes")+":"+r.FormValue("deleteFiles"))
		f.mu.Unlock()
	}))
	mux.HandleFunc("/api/v2/app/version", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "v4.6.0")
	}))
	return mux
}

func newTestClient(t *testing.T, f *fakeQbit, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rc := resilient.New(resilient.Settings{Provider: "qbit-" + t.Name(), Timeout: time.Second, FailureThreshold: 5, OpenDuration: time.Minute}, log)
	c, err := NewClient(Config{BaseURL: srv.URL, Username: "admin", Password: password, SavePath: "/books", NotFoundGrace: 2 * time.Minute}, rc, srv.Client(), log)
	require.NoError(t, err)
	return c
}

func TestInfoHash(t *testing.T) {
	tests := map[string]string{
		"magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=dune": hash,
		"magnet:?dn=x&xt=urn:btih:YEX6DQDLXISUVHOJ6UM3GNNKPQJWPKEK":           hash,
		"https://idx/dl/1.torrent":                                             "",
		"magnet:?xt=urn:btih:nothex":                                           "",
	}
	for in, want := range tests {
		require.Equal(t, want, InfoHash(in), in)
	}
}

func TestEnqueueMagnetUsesInfoHash(t *testing.T) {
	f := &fakeQbit{}
	c := newTestClient(t, f, "pw")
	id, err := c.Enqueue(context.Background(), "magnet:?xt=urn:btih:"+strings.ToUpper(hash))
	require.NoError(t, err)
	require.Equal(t, hash, id)
	require.Len(t, f.added, 1)
	require.Equal(t, "/books", f.added[0].savepath)
	require.Empty(t, f.added[0].tags)
}

func TestEnqueueURLResolvesByTag(t *testing.T) {
	f := &fakeQbit{}
	c := newTestClient(t, f, "pw")
	id, err := c.Enqueue(context.Background(), "https://idx/dl/1.torrent")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, tagPrefix))
	tag := strings.TrimPrefix(id, tagPrefix)
	require.Equal(t, tag, f.added[0].tags)

	st, err := c.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, engine.StateNotFound, st.State)

	f.mu.Lock()
	f.torrents = append(f.torrents, torrentInfo{Hash: hash, Name: tag, State: "downloading"})
	f.mu.Unlock()
	st, err = c.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, engine.StateDownloading, st.State)

	require.NoError(t, c.Cancel(context.Background(), id, false))
	require.Equal(t, []string{hash + ":false"}, f.deleted)
}

func TestReloginOnForbidden(t *testing.T) {
	f := &fakeQbit{}
	c := newTestClient(t, f, "pw")
	require.NoError(t, c.Ping(context.Background()))

	f.mu.Lock()
	f.session = "expired"
	f.mu.Unlock()

	require.NoError(t, c.Ping(context.Background()))
	require.Equal(t, 2, f.logins)
}

func TestLoginRejectedIsExecutionFailed(t *testing.T) {
	c := newTestClient(t, &fakeQbit{}, "wrong")
	_, err := c.Enqueue(context.Background(), "magnet:?xt=urn:btih:"+hash)
	require.ErrorIs(t, err, data.ErrExecutionFailed)
	require.ErrorIs(t, err, ErrLoginFailed)
}

func TestMapInfo(t *testing.T) {
	tests := []struct {
		state string
		want  engine.State
	}{
		{"error", engine.StateFailed},
		{"missingFiles", engine.StateFailed},
		{"uploading", engine.StateCompleted},
		{"stalledUP", engine.StateCompleted},
		{"stoppedUP", engine.StateCompleted},
		{"metaDL", engine.StateQueued},
		{"queuedDL", engine.StateQueued},
		{"downloading", engine.StateDownloading},
		{"stalledDL", engine.StateDownloading},
	}
	for _, tt := range tests {
		got := mapInfo(&torrentInfo{State: tt.state})
		require.Equal(t, tt.want, got.State, tt.state)
	}

	st := mapInfo(&torrentInfo{State: "pausedUP", Name: "Dune", SavePath: "/books/", TotalSize: 4096})
	require.Equal(t, "/books/Dune", st.StoragePath)
	require.Equal(t, int64(4096), *st.SizeBytes)
}
