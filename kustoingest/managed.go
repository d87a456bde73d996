package kustoingest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// maxStreamingPayload is the service's streaming request size limit. Payloads
// above it (scaled by WithDataSizeFactor) go straight to the queued path.
const maxStreamingPayload = 4 * 1024 * 1024

// ErrorCategory is the dispatcher's classification of a failed streaming attempt.
// It decides whether the attempt is retried, the submission falls back to queued
// ingestion, or the error surfaces to the caller.
type ErrorCategory string

const (
	// CategoryThrottled: the service asked us to slow down. Retried, and the
	// table is kept on the queued path for the throttle backoff period.
	CategoryThrottled ErrorCategory = "Throttled"
	// CategoryStreamingIngestionOff: streaming ingestion is disabled for the
	// cluster or database.
	CategoryStreamingIngestionOff ErrorCategory = "StreamingIngestionOff"
	// CategoryTableConfigurationPreventsStreaming: the table's configuration,
	// such as its update policy or schema, does not allow streaming ingestion.
	CategoryTableConfigurationPreventsStreaming ErrorCategory = "TableConfigurationPreventsStreaming"
	// CategoryRequestPropertiesPreventStreaming: this particular request cannot
	// stream, e.g. the payload is too large.
	CategoryRequestPropertiesPreventStreaming ErrorCategory = "RequestPropertiesPreventStreaming"
	// CategoryOtherErrors: a service error unrelated to streaming availability.
	CategoryOtherErrors ErrorCategory = "OtherErrors"
	// CategoryUnknownErrors: an error the client could not classify.
	CategoryUnknownErrors ErrorCategory = "UnknownErrors"
)

// queuedIngestor is the part of the queued client the dispatcher uses. Carved
// out so tests can drop in a fake.
type queuedIngestor interface {
	Submit(ctx context.Context, database, table string, sources []*Source, options ...IngestOption) (*Result, error)
	Close() error
}

type backoffEntry struct {
	until time.Time
	cause ErrorCategory
}

// Managed sends sources through the streaming path when it is cheap and healthy,
// and falls back to queued ingestion when it is not. Tables that reported
// streaming trouble are kept on the queued path until their backoff expires.
type Managed struct {
	queued    queuedIngestor
	streaming *Streaming

	retryPolicy                      RetryPolicy
	maxStreamingSize                 int64
	continueWhenStreamingUnavailable bool
	throttleBackoff                  time.Duration
	resumeDelay                      time.Duration
	onStreamingSuccess               StreamingSuccessCallback
	onStreamingError                 StreamingErrorCallback

	mu       sync.Mutex
	backoffs map[string]backoffEntry

	now func() time.Time
}

// NewManaged creates a managed ingestion client for the cluster named by kcsb.
// It opens both a streaming connection to the query engine and a queued client
// against the data-management endpoint.
func NewManaged(kcsb *ConnectionStringBuilder, options ...Option) (*Managed, error) {
	queued, err := New(kcsb, options...)
	if err != nil {
		return nil, err
	}
	streaming, err := NewStreaming(kcsb, options...)
	if err != nil {
		queued.Close()
		return nil, err
	}
	streaming.requestIDPrefix = "KGC.executeManagedStreamingIngest;"

	o := buildClientOptions(options)
	return &Managed{
		queued:                           queued,
		streaming:                        streaming,
		retryPolicy:                      o.retryPolicy,
		maxStreamingSize:                 int64(float64(maxStreamingPayload) * o.dataSizeFactor),
		continueWhenStreamingUnavailable: o.continueWhenStreamingUnavailable,
		throttleBackoff:                  o.throttleBackoff,
		resumeDelay:                      o.resumeDelay,
		onStreamingSuccess:               o.onStreamingSuccess,
		onStreamingError:                 o.onStreamingError,
		backoffs:                         map[string]backoffEntry{},
		now:                              time.Now,
	}, nil
}

// Ingest sends one source into database.table. The streaming path is used unless
// the payload is too large, the table is in backoff, or the request needs a
// feature only queued ingestion has; failed streaming attempts are retried or
// demoted to the queued path according to their classification.
func (m *Managed) Ingest(ctx context.Context, database, table string, source *Source, options ...IngestOption) (*Result, error) {
	props, err := buildIngestProps(database, table, options)
	if err != nil {
		return nil, err
	}

	source, err = m.bufferIfNeeded(source)
	if err != nil {
		return nil, err
	}

	if reason, queued := m.useQueued(database, table, source, props); queued {
		zerolog.Ctx(ctx).Debug().
			Str("database", database).Str("table", table).Str("reason", reason).
			Msg("skipping the streaming attempt")
		return m.queued.Submit(ctx, database, table, []*Source{source}, options...)
	}

	clientRequestID := props.Streaming.ClientRequestID
	if clientRequestID == "" {
		clientRequestID = m.streaming.requestIDPrefix + uuid.New().String()
	}
	streamOpts := append(append([]IngestOption{}, options...), ClientRequestID(clientRequestID))

	var result *Result
	ok, err := retry.Run(ctx, m.retryPolicy,
		func(ctx context.Context, attempt int) error {
			r, serr := m.streaming.Submit(ctx, database, table, source, streamOpts...)
			if serr != nil {
				return serr
			}
			result = r
			if m.onStreamingSuccess != nil {
				m.onStreamingSuccess(database, table, attempt)
			}
			return nil
		},
		func(attempt int, err error, permanent bool) retry.Decision {
			category := classifyStreamingError(err)
			m.armBackoff(database, table, category)
			if m.onStreamingError != nil {
				m.onStreamingError(database, table, attempt, category, err)
			}
			zerolog.Ctx(ctx).Debug().
				Str("database", database).Str("table", table).
				Int("attempt", attempt).Str("category", string(category)).
				Err(err).Msg("streaming attempt failed")
			return m.decide(category, err)
		},
		nil, false)
	if ok {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	return m.queued.Submit(ctx, database, table, []*Source{source}, options...)
}

// bufferIfNeeded makes a one-shot stream replayable by reading it fully into
// memory, so a failed streaming attempt can still be retried or demoted to the
// queued path.
func (m *Managed) bufferIfNeeded(source *Source) (*Source, error) {
	if source.IsBlob() || source.Resettable() {
		return source, nil
	}

	rc, err := source.Open()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, errors.E(errors.OpIngestStream, errors.KIO, err)
	}

	opts := []SourceOption{
		WithFormat(source.Format()),
		WithCompression(source.Compression()),
		WithSourceID(source.ID()),
	}
	if source.Name() != "" {
		opts = append(opts, WithName(source.Name()))
	}
	return StreamSource(bytes.NewReader(data), opts...), nil
}

func (m *Managed) useQueued(database, table string, source *Source, props *ingestProps) (string, bool) {
	if props.Ingestion.IngestionMapping != "" {
		// Inline mappings only exist on the queued path.
		return "inline mapping", true
	}
	if cause, ok := m.inBackoff(database, table); ok {
		// A streaming-off backoff without the continue opt-in still streams, so
		// the attempt fails again and the caller sees the real error.
		if cause != CategoryStreamingIngestionOff || m.continueWhenStreamingUnavailable {
			return "backoff after " + string(cause), true
		}
	}
	if size, ok := source.Size(); ok && size > m.maxStreamingSize {
		return "payload too large", true
	}
	return "", false
}

func backoffKey(database, table string) string {
	return database + "\x00" + table
}

func (m *Managed) inBackoff(database, table string) (ErrorCategory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := backoffKey(database, table)
	entry, ok := m.backoffs[key]
	if !ok {
		return "", false
	}
	if !m.now().Before(entry.until) {
		delete(m.backoffs, key)
		return "", false
	}
	return entry.cause, true
}

func (m *Managed) armBackoff(database, table string, category ErrorCategory) {
	var period time.Duration
	switch category {
	case CategoryThrottled:
		period = m.throttleBackoff
	case CategoryStreamingIngestionOff, CategoryTableConfigurationPreventsStreaming:
		period = m.resumeDelay
	default:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffs[backoffKey(database, table)] = backoffEntry{
		until: m.now().Add(period),
		cause: category,
	}
}

func (m *Managed) decide(category ErrorCategory, err error) retry.Decision {
	switch category {
	case CategoryThrottled:
		return retry.Continue
	case CategoryStreamingIngestionOff:
		if m.continueWhenStreamingUnavailable {
			return retry.Break
		}
		return retry.Throw
	case CategoryTableConfigurationPreventsStreaming, CategoryRequestPropertiesPreventStreaming:
		return retry.Break
	}
	if errors.Retry(err) {
		return retry.Continue
	}
	return retry.Throw
}

var sizeFragments = []string{"too large", "exceeds", "maximum allowed size"}
var unavailableFragments = []string{"disabled", "not enabled", "off"}
var policyFragments = []string{"update policy", "schema", "incompatible"}

func containsAny(msg string, fragments []string) bool {
	return lo.SomeBy(fragments, func(f string) bool {
		return strings.Contains(msg, f)
	})
}

// classifyStreamingError buckets a failed streaming attempt. The service's typed
// failure sub-code wins; the response text is only consulted when no sub-code
// was provided.
func classifyStreamingError(err error) ErrorCategory {
	e := errors.GetKustoError(err)
	if e == nil {
		return CategoryUnknownErrors
	}

	switch e.FailureSubCode() {
	case "Throttled":
		return CategoryThrottled
	case "StreamingIngestionPolicyNotEnabled", "StreamingIngestionDisabledForCluster":
		return CategoryStreamingIngestionOff
	case "UpdatePolicyIncompatible", "QuerySchemaDoesNotMatchTableSchema":
		return CategoryTableConfigurationPreventsStreaming
	case "FileTooLarge", "InputStreamTooLarge", "KustoRequestPayloadTooLargeException":
		return CategoryRequestPropertiesPreventStreaming
	}

	switch e.Kind {
	case errors.KThrottled:
		return CategoryThrottled
	case errors.KLimitsExceeded:
		return CategoryRequestPropertiesPreventStreaming
	case errors.KSchemaMismatch:
		return CategoryTableConfigurationPreventsStreaming
	case errors.KServiceDisabled:
		return CategoryStreamingIngestionOff
	}

	msg := strings.ToLower(e.Error() + " " + string(e.RestErrMsg()))
	switch {
	case containsAny(msg, sizeFragments):
		return CategoryRequestPropertiesPreventStreaming
	case strings.Contains(msg, "streaming") && containsAny(msg, unavailableFragments):
		return CategoryStreamingIngestionOff
	case containsAny(msg, policyFragments):
		return CategoryTableConfigurationPreventsStreaming
	}
	return CategoryOtherErrors
}

// Close shuts the streaming connection down first, then the queued client.
func (m *Managed) Close() error {
	serr := m.streaming.Close()
	qerr := m.queued.Close()
	if serr != nil {
		return serr
	}
	return qerr
}
