package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/metrics"
	"github.com/tinoosan/folio/internal/service"
)

// fakeJobs is a stub to satisfy service.Jobs in router tests.
type fakeJobs struct{}

func (fakeJobs) AddAndDownload(context.Context, service.AddRequest) (*service.AddResult, error) {
	return nil, data.ErrBookNotFound
}
func (fakeJobs) ListJobs(context.Context, string, *data.JobStatus, int, int) (int, data.DownloadJobs, error) {
	return 0, nil, nil
}
func (fakeJobs) GetJob(context.Context, string, string) (*data.DownloadJob, error) {
	return nil, data.ErrJobNotFound
}
func (fakeJobs) CancelJob(context.Context, string, string) (*data.DownloadJob, error) {
	return nil, data.ErrCancelNotAllowed
}
func (fakeJobs) FindCandidates(context.Context, string, string, data.MediaType, int, int) (data.Page[data.Candidate], error) {
	return data.Page[data.Candidate]{}, nil
}
func (fakeJobs) SearchMetadata(context.Context, string, string, string, int) (data.Page[data.BookDetails], error) {
	return data.Page[data.BookDetails]{}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHealthzOK(t *testing.T) {
	r := New(quiet(), fakeJobs{}, "tok")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "ok" {
		t.Fatalf("expected body 'ok', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ready", nil, http.StatusOK},
		{"engine down", errors.New("nope"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := Check{Name: "store", Ping: func(context.Context) error { return nil }}
			eng := Check{Name: "engine", Ping: func(context.Context) error { return tt.err }}
			r := New(quiet(), fakeJobs{}, "tok", store, eng)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMetricsEndpointEmitsFamilies(t *testing.T) {
	metrics.Register()
	metrics.JobTransitions.WithLabelValues("Queued", "Downloading").Inc()
	metrics.ExternalLatency.WithLabelValues("qbittorrent", "enqueue").Observe(0.02)
	metrics.ActiveJobs.Set(2)

	r := New(quiet(), fakeJobs{}, "tok")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"folio_job_transitions_total", "folio_external_latency_seconds_count", "folio_active_jobs"} {
		if !strings.Contains(body, name) {
			t.Fatalf("missing %s in metrics", name)
		}
	}
}

func TestV1RequiresAuth(t *testing.T) {
	r := New(quiet(), fakeJobs{}, "tok")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
