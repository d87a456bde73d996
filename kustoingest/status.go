package kustoingest

import (
	"fmt"
	"time"
)

// StatusCode is the ingestion status of a blob or an operation.
type StatusCode string

const (
	// Pending means the service has not finished ingesting the blob yet.
	Pending StatusCode = "Pending"
	// Succeeded means the data has been successfully ingested.
	Succeeded StatusCode = "Succeeded"
	// Failed means the data has not been ingested.
	Failed StatusCode = "Failed"
	// Skipped means no data was supplied and the operation was skipped.
	Skipped StatusCode = "Skipped"
	// Queued means the data was queued for ingestion without status tracking.
	// This does not indicate that the ingestion succeeded.
	Queued StatusCode = "Queued"
	// PartiallySucceeded means part of the data was ingested while other parts failed.
	PartiallySucceeded StatusCode = "PartiallySucceeded"
)

// IsTerminal reports whether the status will no longer change.
func (s StatusCode) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Skipped:
		return true
	}
	return false
}

// IsSuccess reports whether data landed, fully or partially.
func (s StatusCode) IsSuccess() bool {
	switch s {
	case Succeeded, PartiallySucceeded:
		return true
	}
	return false
}

// FailureStatusCode classifies a blob-level ingestion failure.
type FailureStatusCode string

const (
	// Unknown represents an undefined or unset failure state.
	Unknown FailureStatusCode = "Unknown"
	// Permanent represents a failure that will not benefit from a retry.
	Permanent FailureStatusCode = "Permanent"
	// Transient represents a retryable failure.
	Transient FailureStatusCode = "Transient"
	// Exhausted represents a retryable failure that ran out of retry attempts.
	Exhausted FailureStatusCode = "Exhausted"
)

// StatusSummary counts blobs by outcome for a queued operation.
type StatusSummary struct {
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	InProgress int64 `json:"inProgress"`
	Canceled   int64 `json:"canceled"`
}

// BlobStatus is the per-blob ingestion status row.
type BlobStatus struct {
	SourceID                   string            `json:"sourceId"`
	Status                     StatusCode        `json:"status"`
	StartedAt                  time.Time         `json:"startedAt,omitempty"`
	LastUpdateTime             time.Time         `json:"lastUpdateTime,omitempty"`
	ErrorCode                  string            `json:"errorCode,omitempty"`
	FailureStatus              FailureStatusCode `json:"failureStatus,omitempty"`
	Details                    string            `json:"details,omitempty"`
	OriginatesFromUpdatePolicy bool              `json:"originatesFromUpdatePolicy,omitempty"`
}

// IsRetryable reports whether the blob's failure might clear on a resubmission.
func (b BlobStatus) IsRetryable() bool {
	return b.FailureStatus == Transient || b.FailureStatus == Exhausted
}

func (b BlobStatus) String() string {
	return fmt.Sprintf("SourceID: '%s', Status: '%s', FailureStatus: '%s', ErrorCode: '%s', Details: '%s'",
		b.SourceID, b.Status, b.FailureStatus, b.ErrorCode, b.Details)
}

// StatusResponse is the service's answer to a queued status query. Details is
// populated only when per-blob details were requested or escalated to.
type StatusResponse struct {
	Status    StatusSummary `json:"status"`
	Details   []BlobStatus  `json:"details,omitempty"`
	StartTime time.Time     `json:"startTime,omitempty"`
}

// IsTerminal reports whether every blob reached a final state.
func (s *StatusResponse) IsTerminal() bool {
	if len(s.Details) > 0 {
		for _, d := range s.Details {
			if !d.Status.IsTerminal() {
				return false
			}
		}
		return true
	}
	return s.Status.InProgress == 0
}

// Summary renders the counters for human consumption.
func (s *StatusResponse) Summary() string {
	return fmt.Sprintf("succeeded: %d, failed: %d, inProgress: %d, canceled: %d",
		s.Status.Succeeded, s.Status.Failed, s.Status.InProgress, s.Status.Canceled)
}
