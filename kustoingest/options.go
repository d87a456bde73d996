package kustoingest

import (
	"net/http"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/resources"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/retry"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/uploader"
)

// UploadMethod selects where staged blobs are written when the service exposes
// both blob containers and lake folders.
type UploadMethod = resources.UploadMethod

const (
	// UploadDefault follows the service's preferred upload method.
	UploadDefault = resources.UploadDefault
	// UploadStorage stages blobs in the service's blob containers.
	UploadStorage = resources.UploadStorage
	// UploadLake stages blobs in the service's lake folders.
	UploadLake = resources.UploadLake
)

// RetryPolicy controls how many times a transient streaming failure is retried
// and how long to wait between attempts.
type RetryPolicy = retry.Policy

// SimpleRetryPolicy retries with exponential backoff and uniform jitter.
type SimpleRetryPolicy = retry.SimplePolicy

// CustomRetryPolicy retries with a caller-supplied sequence of delays.
type CustomRetryPolicy = retry.CustomPolicy

const (
	defaultThrottleBackoff = 10 * time.Second
	defaultResumeDelay     = 15 * time.Minute
)

type clientOptions struct {
	httpClient         *http.Client
	skipSecurityChecks bool

	maxConcurrency int
	maxDataSize    int64
	ignoreFileSize bool
	uploadMethod   UploadMethod
	cacheTTL       time.Duration

	retryPolicy                      RetryPolicy
	dataSizeFactor                   float64
	continueWhenStreamingUnavailable bool
	throttleBackoff                  time.Duration
	resumeDelay                      time.Duration
	onStreamingSuccess               StreamingSuccessCallback
	onStreamingError                 StreamingErrorCallback
}

func buildClientOptions(options []Option) *clientOptions {
	o := &clientOptions{
		httpClient:      &http.Client{},
		cacheTTL:        resources.DefaultCacheTTL,
		retryPolicy:     retry.DefaultPolicy(),
		dataSizeFactor:  1,
		throttleBackoff: defaultThrottleBackoff,
		resumeDelay:     defaultResumeDelay,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// StreamingSuccessCallback is invoked after a managed streaming attempt lands.
type StreamingSuccessCallback func(database, table string, attempt int)

// StreamingErrorCallback is invoked after every failed managed streaming attempt
// with the classification the dispatcher assigned to the failure.
type StreamingErrorCallback func(database, table string, attempt int, category ErrorCategory, err error)

// Option configures a client at construction time.
type Option func(o *clientOptions)

// WithHTTPClient replaces the http.Client used for every request. Pass a client
// with the transport settings you need, e.g. a proxy or a custom TLS config.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// SkipSecurityChecks disables endpoint trust validation and the https-only rule.
// Intended for local emulators and test clusters.
func SkipSecurityChecks() Option {
	return func(o *clientOptions) {
		o.skipSecurityChecks = true
	}
}

// WithMaxConcurrency caps the number of parallel blob uploads of a queued submit.
func WithMaxConcurrency(n int) Option {
	return func(o *clientOptions) {
		o.maxConcurrency = n
	}
}

// WithMaxDataSize rejects local sources larger than n bytes before any data is read.
func WithMaxDataSize(n int64) Option {
	return func(o *clientOptions) {
		o.maxDataSize = n
	}
}

// IgnoreFileSize disables the max data size check.
func IgnoreFileSize() Option {
	return func(o *clientOptions) {
		o.ignoreFileSize = true
	}
}

// WithUploadMethod overrides the service's preferred staging location.
func WithUploadMethod(method UploadMethod) Option {
	return func(o *clientOptions) {
		o.uploadMethod = method
	}
}

// WithConfigurationCacheTTL sets how long the fetched ingestion configuration is
// reused before it is refreshed.
func WithConfigurationCacheTTL(ttl time.Duration) Option {
	return func(o *clientOptions) {
		o.cacheTTL = ttl
	}
}

// WithRetryPolicy sets the retry policy for transient streaming failures.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *clientOptions) {
		o.retryPolicy = policy
	}
}

// WithDataSizeFactor scales the 4 MiB streaming payload limit of the managed
// client. Values above 1 allow larger payloads through the streaming path.
func WithDataSizeFactor(factor float64) Option {
	return func(o *clientOptions) {
		o.dataSizeFactor = factor
	}
}

// ContinueWhenStreamingUnavailable makes the managed client fall back to queued
// ingestion when streaming is disabled for the cluster, instead of surfacing the
// error to the caller.
func ContinueWhenStreamingUnavailable() Option {
	return func(o *clientOptions) {
		o.continueWhenStreamingUnavailable = true
	}
}

// WithThrottleBackoff sets how long a throttled table stays on the queued path.
func WithThrottleBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.throttleBackoff = d
	}
}

// WithStreamingResumeDelay sets how long a table stays on the queued path after
// the service reported that streaming ingestion is off for it.
func WithStreamingResumeDelay(d time.Duration) Option {
	return func(o *clientOptions) {
		o.resumeDelay = d
	}
}

// WithStreamingSuccessCallback registers a hook for successful managed streaming
// attempts.
func WithStreamingSuccessCallback(cb StreamingSuccessCallback) Option {
	return func(o *clientOptions) {
		o.onStreamingSuccess = cb
	}
}

// WithStreamingErrorCallback registers a hook for failed managed streaming
// attempts.
func WithStreamingErrorCallback(cb StreamingErrorCallback) Option {
	return func(o *clientOptions) {
		o.onStreamingError = cb
	}
}

// ingestProps is the per-submit property set built from IngestOptions.
type ingestProps struct {
	properties.All
	failOnPartialUpload bool
}

// IngestOption is an optional argument to Submit and Ingest.
type IngestOption func(p *ingestProps) error

// FileFormat overrides the source's data format for this submission.
func FileFormat(format DataFormat) IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.Format = format
		return nil
	}
}

// IngestionMappingRef names a pre-created mapping on the server to apply to the data.
func IngestionMappingRef(ref string) IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.IngestionMappingRef = ref
		return nil
	}
}

// IngestionMapping supplies an inline JSON column mapping. Mutually exclusive
// with IngestionMappingRef and not supported on the streaming path.
func IngestionMapping(mapping string) IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.IngestionMapping = mapping
		return nil
	}
}

// Tags associates extent tags with the ingested data.
func Tags(tags []string) IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.Tags = tags
		return nil
	}
}

// IngestIfNotExists skips the ingestion when the table already holds data tagged
// with an ingest-by: tag of the same value.
func IngestIfNotExists(value string) IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.IngestIfNotExists = value
		return nil
	}
}

// ValidationPolicy attaches a JSON encoded validation policy to the request.
func ValidationPolicy(policy string) IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.ValidationPolicy = policy
		return nil
	}
}

// FlushImmediately bypasses the service side aggregation delay. Use sparingly.
func FlushImmediately() IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.FlushImmediately = true
		return nil
	}
}

// EnableTracking asks the service to keep per-blob status for the operation.
func EnableTracking() IngestOption {
	return func(p *ingestProps) error {
		p.Ingestion.EnableTracking = true
		return nil
	}
}

// ClientRequestID sets the x-ms-client-request-id correlation header for this
// submission. A fresh id is minted when unset.
func ClientRequestID(id string) IngestOption {
	return func(p *ingestProps) error {
		p.Streaming.ClientRequestID = id
		return nil
	}
}

// FailOnPartialUpload makes a queued submit fail when any source fails to
// upload, instead of submitting the sources that made it.
func FailOnPartialUpload() IngestOption {
	return func(p *ingestProps) error {
		p.failOnPartialUpload = true
		return nil
	}
}

func buildIngestProps(database, table string, options []IngestOption) (*ingestProps, error) {
	p := &ingestProps{
		All: properties.All{
			Ingestion: properties.Ingestion{
				DatabaseName: database,
				TableName:    table,
			},
		},
	}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if err := p.Ingestion.Validate(); err != nil {
		return nil, errors.E(errors.OpFileIngest, errors.KClientArgs, err).SetNoRetry()
	}
	return p, nil
}

func (o *clientOptions) uploaderOptions() []uploader.Option {
	var opts []uploader.Option
	if o.maxConcurrency > 0 {
		opts = append(opts, uploader.WithMaxConcurrency(o.maxConcurrency))
	}
	if o.maxDataSize > 0 {
		opts = append(opts, uploader.WithMaxDataSize(o.maxDataSize))
	}
	if o.ignoreFileSize {
		opts = append(opts, uploader.WithIgnoreFileSize())
	}
	return opts
}
