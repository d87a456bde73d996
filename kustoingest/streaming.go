package kustoingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/conn"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/gzip"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/google/uuid"
)

// streamIngestor is the part of the connection the streaming client uses.
// Carved out so tests can drop in a fake.
type streamIngestor interface {
	StreamIngest(ctx context.Context, db, table string, payload io.Reader, format properties.DataFormat, mappingName string, clientRequestID string, isBlobURI bool) error
	Close() error
}

// Streaming pushes data through the cluster's streaming ingestion endpoint. The
// data is committed and queryable by the time Submit returns.
type Streaming struct {
	endpoint        string
	streamConn      streamIngestor
	requestIDPrefix string
}

// NewStreaming creates a streaming ingestion client for the cluster named by kcsb.
// Data-management URIs are rewritten to their query-engine form, which is where
// the streaming endpoint lives.
func NewStreaming(kcsb *ConnectionStringBuilder, options ...Option) (*Streaming, error) {
	o := buildClientOptions(options)
	endpoint := ToQueryEndpoint(kcsb.DataSource)

	c, err := newConnection(kcsb, endpoint, o)
	if err != nil {
		return nil, err
	}
	return &Streaming{
		endpoint:        endpoint,
		streamConn:      c,
		requestIDPrefix: "KGC.execute;",
	}, nil
}

// Endpoint returns the query-engine endpoint the client streams to.
func (s *Streaming) Endpoint() string {
	return s.endpoint
}

// Submit streams a single source into database.table. Blob sources are passed by
// reference for the service to pull; local sources are pushed inline, gzipped
// unless the data is already compressed or in a binary format.
func (s *Streaming) Submit(ctx context.Context, database, table string, source *Source, options ...IngestOption) (*Result, error) {
	props, err := buildIngestProps(database, table, options)
	if err != nil {
		return nil, err
	}
	if props.Ingestion.IngestionMapping != "" {
		return nil, errors.ES(errors.OpIngestStream, errors.KClientArgs,
			"streaming ingestion requires a pre-created mapping reference, inline mappings are not supported").SetNoRetry()
	}

	format := props.Ingestion.Format
	if format == DFUnknown {
		format = source.Format()
	}

	clientRequestID := props.Streaming.ClientRequestID
	if clientRequestID == "" {
		clientRequestID = s.requestIDPrefix + uuid.New().String()
	}

	if source.IsBlob() {
		envelope, jerr := json.Marshal(map[string]string{"SourceUri": source.BlobURL()})
		if jerr != nil {
			return nil, errors.E(errors.OpIngestStream, errors.KClientInternal, jerr).SetNoRetry()
		}
		err = s.streamConn.StreamIngest(ctx, database, table, bytes.NewReader(envelope), format,
			props.Ingestion.IngestionMappingRef, clientRequestID, true)
	} else {
		err = s.submitLocal(ctx, database, table, source, format, props.Ingestion.IngestionMappingRef, clientRequestID)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		OperationID: clientRequestID,
		Kind:        StreamingKind,
		Database:    database,
		Table:       table,
	}, nil
}

func (s *Streaming) submitLocal(ctx context.Context, database, table string, source *Source, format DataFormat, mappingRef, clientRequestID string) error {
	rc, err := source.Open()
	if err != nil {
		return err
	}
	defer source.close()

	var payload io.Reader = rc
	if source.shouldCompress() {
		gz := gzip.New()
		gz.Reset(rc)
		payload = gz
	}
	return s.streamConn.StreamIngest(ctx, database, table, payload, format, mappingRef, clientRequestID, false)
}

// GetStatus always fails: a streaming submit either committed the data before it
// returned or reported the error, there is nothing to poll.
func (s *Streaming) GetStatus(ctx context.Context, database, table, operationID string) (*StatusResponse, error) {
	return nil, errors.ES(errors.OpIngestStatus, errors.KUnsupported,
		"streaming ingestion does not track operations, the data was committed when Submit returned").SetNoRetry()
}

// Close releases the connection.
func (s *Streaming) Close() error {
	return s.streamConn.Close()
}

var _ streamIngestor = (*conn.Conn)(nil)
