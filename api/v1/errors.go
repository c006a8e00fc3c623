package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/folio/internal/data"
)

var (
	ErrContentType = errors.New("Content-Type must be application/json")
	ErrBadPage     = errors.New("page and pageSize must be positive integers")
	ErrBadStatus   = errors.New("unknown job status")
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrContentType):
		return http.StatusUnsupportedMediaType, "unsupported_content_type"
	case errors.Is(err, data.ErrBadMediaType):
		return http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, ErrBadPage), errors.Is(err, ErrBadStatus), errors.Is(err, data.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, data.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, data.ErrBookNotFound):
		return http.StatusNotFound, "book_not_found"
	case errors.Is(err, data.ErrCandidateNotFound):
		return http.StatusNotFound, "candidate_not_found"
	case errors.Is(err, data.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found"
	case errors.Is(err, data.ErrCancelNotAllowed):
		return http.StatusConflict, "cancel_not_allowed"
	case errors.Is(err, data.ErrMetadataUnavailable):
		return http.StatusBadGateway, "metadata_unavailable"
	case errors.Is(err, data.ErrCandidateUnavailable):
		return http.StatusBadGateway, "candidates_unavailable"
	case errors.Is(err, data.ErrExecutionUnavailable):
		return http.StatusBadGateway, "execution_unavailable"
	case errors.Is(err, data.ErrExecutionFailed):
		return http.StatusBadGateway, "execution_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	markErr(w, err)
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
