// Package uploader stages local sources as blobs in the service's staging
// containers, with bounded parallelism and per-source failure isolation.
package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/gzip"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/resources"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxConcurrency bounds how many blobs upload in parallel.
	DefaultMaxConcurrency = 8
	// DefaultMaxAttempts is how many containers an upload is tried against.
	DefaultMaxAttempts = 3
)

// Source is a local data source that can be staged as a blob.
type Source interface {
	ID() uuid.UUID
	Format() properties.DataFormat
	Compression() properties.CompressionType
	Name() string
	// Open returns the data stream. Resettable sources may be opened repeatedly.
	Open() (io.ReadCloser, error)
	// Size returns the source size in bytes when it can be determined.
	Size() (int64, bool)
	// Resettable reports whether Open can be called again after a failure.
	Resettable() bool
}

// BlobSourceInfo describes a successfully staged blob.
type BlobSourceInfo struct {
	// BlobPath is the blob's SAS URL.
	BlobPath string
	SourceID uuid.UUID
	// RawSize is the uncompressed size in bytes, 0 when unknown.
	RawSize int64
}

// UploadFailure records why a single source could not be staged.
type UploadFailure struct {
	SourceID uuid.UUID
	Name     string
	Err      error
}

// BatchResult partitions a batch into staged blobs and failures. Every input
// source lands in exactly one of the two lists.
type BatchResult struct {
	Successes []BlobSourceInfo
	Failures  []UploadFailure
}

// uploadStream mimics azblob.Client.UploadStream to allow fakes for testing.
type uploadStream func(ctx context.Context, reader io.Reader, client *azblob.Client, container string, blob string, options *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error)

// Uploader fans uploads out over the staging containers.
type Uploader struct {
	maxConcurrency int
	maxAttempts    int
	maxDataSize    int64
	ignoreFileSize bool

	uploadStream uploadStream

	// now is replaceable for tests; it feeds blob names.
	now func() time.Time
}

// Option is an optional argument to New.
type Option func(u *Uploader)

// WithMaxConcurrency bounds parallel uploads. n must be > 0.
func WithMaxConcurrency(n int) Option {
	return func(u *Uploader) {
		u.maxConcurrency = n
	}
}

// WithMaxDataSize sets the per-source upload ceiling in bytes.
func WithMaxDataSize(n int64) Option {
	return func(u *Uploader) {
		u.maxDataSize = n
	}
}

// WithIgnoreFileSize bypasses the per-source upload ceiling.
func WithIgnoreFileSize() Option {
	return func(u *Uploader) {
		u.ignoreFileSize = true
	}
}

// New returns an Uploader.
func New(options ...Option) *Uploader {
	u := &Uploader{
		maxConcurrency: DefaultMaxConcurrency,
		maxAttempts:    DefaultMaxAttempts,
		now:            time.Now,
		uploadStream: func(ctx context.Context, reader io.Reader, client *azblob.Client, container string, blob string, options *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error) {
			return client.UploadStream(ctx, container, blob, reader, options)
		},
	}
	for _, opt := range options {
		opt(u)
	}
	return u
}

// UploadBatch stages all sources in parallel, drawing containers from queue in
// round-robin order. Per-source failures are recorded, not thrown, so the rest of
// the batch continues. On cancellation, sources not yet uploaded are recorded as
// failures.
func (u *Uploader) UploadBatch(ctx context.Context, db, table string, sources []Source, queue *resources.ContainerQueue) BatchResult {
	type slot struct {
		success *BlobSourceInfo
		failure *UploadFailure
	}
	slots := make([]slot, len(sources))

	sem := make(chan struct{}, u.maxConcurrency)
	wg := sync.WaitGroup{}

	for i, src := range sources {
		i, src := i, src
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				slots[i].failure = &UploadFailure{
					SourceID: src.ID(),
					Name:     src.Name(),
					Err:      errors.E(errors.OpFileIngest, errors.KTimeout, ctx.Err()),
				}
				return
			}

			info, err := u.uploadOne(ctx, db, table, src, queue)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("source", src.Name()).Msg("blob staging failed")
				slots[i].failure = &UploadFailure{SourceID: src.ID(), Name: src.Name(), Err: err}
				return
			}
			slots[i].success = info
		}()
	}
	wg.Wait()

	result := BatchResult{}
	for _, s := range slots {
		if s.success != nil {
			result.Successes = append(result.Successes, *s.success)
		} else {
			result.Failures = append(result.Failures, *s.failure)
		}
	}
	return result
}

func (u *Uploader) uploadOne(ctx context.Context, db, table string, src Source, queue *resources.ContainerQueue) (*BlobSourceInfo, error) {
	// The size gate runs before any bytes are read.
	if size, ok := src.Size(); ok && !u.ignoreFileSize && u.maxDataSize > 0 && size > u.maxDataSize {
		return nil, errors.ES(errors.OpFileIngest, errors.KLimitsExceeded,
			"source %q size (%d) exceeds the maximum data size (%d)", src.Name(), size, u.maxDataSize).SetNoRetry()
	}

	compress := src.Compression() == properties.CTNone && !src.Format().IsBinary()
	blobName := u.blobName(db, table, src, compress)

	// Each retry draws the next container from the queue; with fewer containers
	// than attempts a container may be tried more than once.
	attempts := u.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !src.Resettable() {
			return nil, errors.ES(errors.OpFileIngest, errors.KBlobstore,
				"source %q does not support rewinding, cannot retry: %s", src.Name(), lastErr).SetNoRetry()
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.E(errors.OpFileIngest, errors.KTimeout, err)
		}

		container := queue.Next()
		info, err := u.uploadToContainer(ctx, src, container, blobName, compress)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (u *Uploader) uploadToContainer(ctx context.Context, src Source, container resources.ContainerInfo, blobName string, compress bool) (*BlobSourceInfo, error) {
	uri, err := container.URI()
	if err != nil {
		return nil, errors.ES(errors.OpFileIngest, errors.KBlobstore, "invalid staging container URI: %s", err).SetNoRetry()
	}

	serviceURL := fmt.Sprintf("https://%s?%s", uri.Account(), uri.SAS().Encode())
	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, errors.E(errors.OpFileIngest, errors.KBlobstore, err)
	}

	stream, err := src.Open()
	if err != nil {
		return nil, errors.ES(errors.OpFileIngest, errors.KLocalFileSystem,
			"problem retrieving source %q: %s", src.Name(), err).SetNoRetry()
	}
	defer stream.Close()

	var reader io.Reader = stream
	var gz *gzip.Streamer
	if compress {
		gz = gzip.New()
		gz.Reset(stream)
		reader = gz
	}

	if _, err := u.uploadStream(ctx, reader, client, uri.ObjectName(), blobName, nil); err != nil {
		return nil, errors.ES(errors.OpFileIngest, errors.KBlobstore, "problem uploading to Blob Storage: %s", err)
	}

	rawSize, _ := src.Size()
	if gz != nil {
		rawSize = gz.InputSize()
	}

	blobPath := fmt.Sprintf("https://%s/%s/%s?%s", uri.Account(), uri.ObjectName(), blobName, uri.SAS().Encode())
	return &BlobSourceInfo{BlobPath: blobPath, SourceID: src.ID(), RawSize: rawSize}, nil
}

// blobName builds a deterministic name within the container namespace.
func (u *Uploader) blobName(db, table string, src Source, compressed bool) string {
	prefix := db
	if prefix == "" {
		prefix = table
	}
	if prefix == "" {
		prefix = "blob"
	}

	name := fmt.Sprintf("%s_%s_%s.%s", prefix, src.ID(), u.now().UTC().Format("20060102T150405.000000000Z"), src.Format().String())
	if compressed {
		name += ".gz"
	}
	return name
}
