package kustoingest

import (
	"context"
	"time"
)

// IngestionKind tells which path a submission took.
type IngestionKind string

const (
	// QueuedKind means the data was staged and queued for asynchronous ingestion.
	QueuedKind IngestionKind = "QUEUED"
	// StreamingKind means the data was pushed through the streaming endpoint.
	StreamingKind IngestionKind = "STREAMING"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollTimeout  = 15 * time.Minute
)

// Result is the record of an accepted submission. Queued results can be polled
// to completion with Wait; streaming results are final the moment Submit returns.
type Result struct {
	// OperationID identifies the submission. For queued ingestions this is the
	// service's operation id; for streaming ingestions it is the client request id
	// that correlates the call in the service logs.
	OperationID string
	// Kind is the path the submission took.
	Kind IngestionKind
	// Database and Table name the destination.
	Database string
	Table    string

	poller *Ingestion
}

// Wait blocks until the operation reaches a terminal state or the default
// polling deadline of 15 minutes passes. Streaming results return immediately,
// since a streaming submit only returns once the data is committed.
func (r *Result) Wait(ctx context.Context) (*StatusResponse, error) {
	if r.Kind == StreamingKind || r.poller == nil {
		return &StatusResponse{Status: StatusSummary{Succeeded: 1}}, nil
	}
	return r.poller.PollUntilCompletion(ctx, r.Database, r.Table, r.OperationID, defaultPollInterval, defaultPollTimeout)
}
