package data

import (
	"errors"
	"fmt"
)

var (
	ErrBookNotFound         = errors.New("book not found")
	ErrCandidateNotFound    = errors.New("download candidate not found")
	ErrJobNotFound          = errors.New("download job not found")
	ErrCancelNotAllowed     = errors.New("download job cannot be canceled in its current state")
	ErrMetadataUnavailable  = errors.New("metadata provider unavailable")
	ErrCandidateUnavailable = errors.New("download candidate provider unavailable")
	ErrExecutionUnavailable = errors.New("download engine unavailable")
	ErrExecutionFailed      = errors.New("download engine request failed")
	ErrActiveJobExists      = errors.New("an active download job already exists")
	ErrUnknownProvider      = errors.New("unknown metadata provider")
	ErrBadMediaType         = errors.New("mediaType must be text or audio")
	ErrInvalidInput         = errors.New("invalid input")
)

// ProviderUnavailableError reports that an external integration could not
// serve a request. It matches its Kind sentinel with errors.Is.
type ProviderUnavailableError struct {
	Kind     error
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", e.Kind, e.Provider)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Is(target error) bool { return target == e.Kind }

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// MetadataProviderUnavailable builds the error returned when the metadata
// source for providerCode cannot be reached.
func MetadataProviderUnavailable(providerCode string, err error) error {
	return &ProviderUnavailableError{Kind: ErrMetadataUnavailable, Provider: providerCode, Err: err}
}

// CandidateProviderUnavailable builds the error returned when the candidate
// source cannot be queried.
func CandidateProviderUnavailable(provider string, err error) error {
	return &ProviderUnavailableError{Kind: ErrCandidateUnavailable, Provider: provider, Err: err}
}

// ExecutionUnavailable wraps a transient or circuit-open engine failure.
func ExecutionUnavailable(provider string, err error) error {
	return &ProviderUnavailableError{Kind: ErrExecutionUnavailable, Provider: provider, Err: err}
}

// ExecutionFailed wraps a non-transient engine failure.
func ExecutionFailed(provider string, err error) error {
	return &ProviderUnavailableError{Kind: ErrExecutionFailed, Provider: provider, Err: err}
}
