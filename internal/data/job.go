package data

import (
	"encoding/json"
	"io"
	"time"
)

type JobStatus string

const (
	JobQueued      JobStatus = "Queued"
	JobDownloading JobStatus = "Downloading"
	JobCompleted   JobStatus = "Completed"
	JobFailed      JobStatus = "Failed"
	JobCanceled    JobStatus = "Canceled"
)

// ActiveStatuses are the statuses covered by the one-active-job-per
// (user, book, media type) constraint.
var ActiveStatuses = []JobStatus{JobQueued, JobDownloading}

func (s JobStatus) Active() bool { return s == JobQueued || s == JobDownloading }

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobDownloading, JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Failure reasons recorded on failed jobs.
const (
	ReasonEnqueueUnavailable = "enqueue_unavailable"
	ReasonEnqueueFailed      = "enqueue_failed"
	ReasonMissingExternalJob = "missing_external_job"
	ReasonBookNotFound       = "book_not_found"
	ReasonProviderError      = "provider_error"
)

type DownloadJob struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	BookID          string     `json:"bookId"`
	MediaType       MediaType  `json:"mediaType"`
	Source          string     `json:"source"`
	DownloadURI     string     `json:"torrentMagnet"`
	ExternalJobID   string     `json:"externalJobId,omitempty"`
	Status          JobStatus  `json:"status"`
	FirstNotFoundAt *time.Time `json:"firstNotFoundAtUtc,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type DownloadJobs []*DownloadJob

func (j *DownloadJob) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(j) }

func (js DownloadJobs) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(js) }

// Clone returns a deep copy of the job.
func (j *DownloadJob) Clone() *DownloadJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.FirstNotFoundAt != nil {
		t := *j.FirstNotFoundAt
		c.FirstNotFoundAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the slice and its elements.
func (js DownloadJobs) Clone() DownloadJobs {
	out := make(DownloadJobs, len(js))
	for i, j := range js {
		out[i] = j.Clone()
	}
	return out
}

// Fail moves the job to Failed with reason and clears NotFound bookkeeping.
func (j *DownloadJob) Fail(reason string, now time.Time) {
	j.Status = JobFailed
	j.FailureReason = reason
	j.FirstNotFoundAt = nil
	j.UpdatedAt = now
}
