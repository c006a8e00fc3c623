package v1

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tinoosan/folio/internal/data"
	"github.com/tinoosan/folio/internal/reqid"
	"github.com/tinoosan/folio/internal/service"
)

// Handler serves the v1 acquisition API.
type Handler struct {
	l   *slog.Logger
	svc service.Jobs
}

func NewHandler(l *slog.Logger, svc service.Jobs) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{l: l, svc: svc}
}

type addDownloadBody struct {
	ProviderCode string `json:"providerCode"`
	BookKey      string `json:"bookKey"`
	MediaType    string `json:"mediaType"`
	CandidateID  string `json:"candidateId"`
}

// AddDownload handles POST /v1/downloads. A new job answers 201, an already
// active job 200.
func (h *Handler) AddDownload(w http.ResponseWriter, r *http.Request) {
	var body addDownloadBody
	if err := decodeJSONStrict(w, r, &body); err != nil {
		if !errors.Is(err, ErrContentType) {
			err = fmt.Errorf("%w: invalid JSON: %v", data.ErrInvalidInput, err)
		}
		writeError(w, err)
		return
	}
	mt, err := data.ParseMediaType(body.MediaType)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.AddAndDownload(r.Context(), service.AddRequest{
		UserID:       reqid.User(r.Context()),
		ProviderCode: strings.TrimSpace(body.ProviderCode),
		BookKey:      body.BookKey,
		MediaType:    mt,
		CandidateID:  body.CandidateID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		reqid.Logger(r.Context(), h.l).Info("download requested", "job_id", res.Job.ID, "book_id", res.BookID)
	}
	writeJSON(w, status, res)
}

// ListJobs handles GET /v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := intParam(r, "pageSize", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	var status *data.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := data.JobStatus(s)
		if !st.Valid() {
			writeError(w, ErrBadStatus)
			return
		}
		status = &st
	}
	total, jobs, err := h.svc.ListJobs(r.Context(), reqid.User(r.Context()), status, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = data.DownloadJobs{}
	}
	writeJSON(w, http.StatusOK, data.Page[*data.DownloadJob]{Total: total, Items: jobs})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(r.Context(), mux.Vars(r)["id"], reqid.User(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /v1/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.CancelJob(r.Context(), mux.Vars(r)["id"], reqid.User(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	reqid.Logger(r.Context(), h.l).Info("job canceled", "job_id", j.ID)
	writeJSON(w, http.StatusOK, j)
}

// FindCandidates handles GET /v1/candidates.
func (h *Handler) FindCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mt, err := data.ParseMediaType(q.Get("mediaType"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := intParam(r, "pageSize", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.FindCandidates(r.Context(), q.Get("providerCode"), q.Get("bookKey"), mt, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SearchMetadata handles GET /v1/metadata/search.
func (h *Handler) SearchMetadata(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.SearchMetadata(r.Context(), q.Get("providerCode"), q.Get("title"), q.Get("author"), page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
