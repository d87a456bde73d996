package kustoingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/resources"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/uploader"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	queuedPath = []string{"v1", "rest", "ingestion", "queued"}
	configPath = []string{"v1", "rest", "ingestion", "configuration"}
)

// restConn is the part of the connection the queued client uses. Carved out so
// tests can drop in a fake.
type restConn interface {
	GetJSON(ctx context.Context, op errors.Op, segments []string, query url.Values, out interface{}) error
	PostJSON(ctx context.Context, op errors.Op, segments []string, query url.Values, in interface{}, out interface{}) error
	Close() error
}

// Ingestion stages sources as blobs and queues them for asynchronous ingestion.
// The returned operation id can be polled until the service reports a terminal
// state for every blob.
type Ingestion struct {
	endpoint string

	conn         restConn
	mgr          *resources.Manager
	uploader     *uploader.Uploader
	uploadMethod UploadMethod

	now func() time.Time
}

// New creates a queued ingestion client for the cluster named by kcsb. Query
// URIs are rewritten to their data-management ("ingest-") form, which is where
// the queued endpoints live.
func New(kcsb *ConnectionStringBuilder, options ...Option) (*Ingestion, error) {
	o := buildClientOptions(options)
	endpoint := ToIngestEndpoint(kcsb.DataSource)

	c, err := newConnection(kcsb, endpoint, o)
	if err != nil {
		return nil, err
	}

	i := &Ingestion{
		endpoint:     endpoint,
		conn:         c,
		uploader:     uploader.New(o.uploaderOptions()...),
		uploadMethod: o.uploadMethod,
		now:          time.Now,
	}
	i.mgr = resources.NewManager(i.fetchConfiguration, resources.WithCacheTTL(o.cacheTTL))
	return i, nil
}

// Endpoint returns the data-management endpoint the client talks to.
func (i *Ingestion) Endpoint() string {
	return i.endpoint
}

func (i *Ingestion) fetchConfiguration(ctx context.Context) (*resources.ConfigurationResponse, error) {
	out := &resources.ConfigurationResponse{}
	if err := i.conn.GetJSON(ctx, errors.OpConfiguration, configPath, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit stages every local source as a blob, then queues the whole batch as one
// ingestion operation into database.table. Blob sources are queued by reference
// without an upload. When some uploads fail and at least one source made it, the
// partial batch is still submitted unless FailOnPartialUpload was set.
func (i *Ingestion) Submit(ctx context.Context, database, table string, sources []*Source, options ...IngestOption) (*Result, error) {
	props, err := buildIngestProps(database, table, options)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.ES(errors.OpFileIngest, errors.KClientArgs, "no sources to ingest").SetNoRetry()
	}

	blobs := make([]properties.QueuedBlob, 0, len(sources))
	var locals []uploader.Source
	for _, src := range sources {
		if src.IsBlob() {
			blobs = append(blobs, properties.QueuedBlob{
				URL:      src.BlobURL(),
				SourceID: src.ID().String(),
				RawSize:  src.rawSize,
			})
			continue
		}
		locals = append(locals, src)
	}

	if len(locals) > 0 {
		queue, err := i.mgr.SelectContainers(ctx, i.uploadMethod)
		if err != nil {
			return nil, err
		}

		res := i.uploader.UploadBatch(ctx, database, table, locals, queue)
		for _, s := range res.Successes {
			blobs = append(blobs, properties.QueuedBlob{
				URL:      s.BlobPath,
				SourceID: s.SourceID.String(),
				RawSize:  s.RawSize,
			})
		}
		if len(res.Failures) > 0 {
			uploadErr := partialUploadError(res, len(locals))
			if props.failOnPartialUpload || len(blobs) == 0 {
				return nil, uploadErr
			}
			zerolog.Ctx(ctx).Warn().Err(uploadErr).
				Int("failed", len(res.Failures)).
				Int("submitted", len(blobs)).
				Msg("submitting a partial batch, some sources failed to upload")
		}
	}

	req := properties.QueuedRequest{
		Timestamp:  i.now().UTC(),
		Blobs:      blobs,
		Properties: props.Ingestion,
	}

	resp := properties.QueuedResponse{}
	if err := i.conn.PostJSON(ctx, errors.OpFileIngest, append(queuedPath, database, table), nil, req, &resp); err != nil {
		if e := errors.GetKustoError(err); e != nil && e.HTTPStatus() == http.StatusNotFound {
			return nil, errors.ES(errors.OpFileIngest, errors.KHTTPError,
				"the queued ingestion endpoint was not found, the cluster may not support queued ingestion yet: %s", e)
		}
		return nil, err
	}
	if resp.IngestionOperationID == "" {
		return nil, errors.ES(errors.OpFileIngest, errors.KInternal,
			"the service accepted the batch but did not return an ingestion operation id")
	}

	return &Result{
		OperationID: resp.IngestionOperationID,
		Kind:        QueuedKind,
		Database:    database,
		Table:       table,
		poller:      i,
	}, nil
}

// partialUploadError aggregates the per-source upload failures. The aggregate is
// permanent only when every failure is, so a caller retrying a transient partial
// upload does not hammer sources that can never succeed.
func partialUploadError(res uploader.BatchResult, total int) error {
	failures := lo.Map(res.Failures, func(f uploader.UploadFailure, _ int) error {
		return f.Err
	})
	allPermanent := lo.NoneBy(failures, func(err error) bool {
		return errors.Retry(err)
	})

	e := errors.E(errors.OpFileIngest, errors.KBlobstore,
		fmt.Errorf("%d of %d sources failed to upload: %w", len(res.Failures), total, errors.CombineErrors(failures...)))
	if allPermanent {
		e.SetNoRetry()
	}
	return e
}

// GetStatus fetches the state of a queued operation. The first probe asks for
// the cheap summary; when the summary shows failures or the operation reached a
// terminal state, the probe is escalated to the per-blob detail records.
// detailed forces the detail records on the first probe.
func (i *Ingestion) GetStatus(ctx context.Context, database, table, operationID string, detailed bool) (*StatusResponse, error) {
	resp, err := i.getStatus(ctx, database, table, operationID, detailed)
	if err != nil {
		return nil, i.statusError(err)
	}
	if !detailed && len(resp.Details) == 0 && (resp.Status.Failed > 0 || resp.IsTerminal()) {
		full, err := i.getStatus(ctx, database, table, operationID, true)
		if err != nil {
			return nil, i.statusError(err)
		}
		return full, nil
	}
	return resp, nil
}

func (i *Ingestion) getStatus(ctx context.Context, database, table, operationID string, detailed bool) (*StatusResponse, error) {
	query := url.Values{}
	query.Set("details", strconv.FormatBool(detailed))

	resp := &StatusResponse{}
	segments := append(queuedPath, database, table, operationID)
	if err := i.conn.GetJSON(ctx, errors.OpIngestStatus, segments, query, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// statusError reshapes a failed status probe. Error bodies that carry blob detail
// records with transient failures, and plain 404s (the operation may not be
// visible on the node yet), surface as retryable; everything else is passed on
// untouched.
func (i *Ingestion) statusError(err error) error {
	e := errors.GetKustoError(err)
	if e == nil {
		return err
	}

	var transient []BlobStatus
	if body := e.RestErrMsg(); len(body) > 0 {
		parsed := StatusResponse{}
		if jerr := json.Unmarshal(body, &parsed); jerr == nil {
			transient = lo.Filter(parsed.Details, func(d BlobStatus, _ int) bool {
				return d.FailureStatus == Transient
			})
		}
	}

	switch {
	case len(transient) > 0:
		msgs := lo.Map(transient, func(d BlobStatus, _ int) string {
			return d.String()
		})
		return errors.ES(errors.OpIngestStatus, errors.KHTTPError,
			"transient failure retrieving the operation status: %s", strings.Join(msgs, "; "))
	case e.HTTPStatus() == http.StatusNotFound:
		return errors.ES(errors.OpIngestStatus, errors.KHTTPError,
			"the operation status was not found, the operation may not be visible yet: %s", e)
	}
	return err
}

// PollUntilCompletion probes the operation every interval until every blob is in
// a terminal state or the wall-clock timeout passes. Transient probe failures do
// not abort the wait; the returned status is always terminal.
func (i *Ingestion) PollUntilCompletion(ctx context.Context, database, table, operationID string, interval, timeout time.Duration) (*StatusResponse, error) {
	deadline := i.now().Add(timeout)

	for {
		status, err := i.GetStatus(ctx, database, table, operationID, false)
		if err != nil && !errors.Retry(err) {
			return nil, err
		}
		if err == nil && status.IsTerminal() {
			return status, nil
		}

		if deadline.Sub(i.now()) < interval {
			return nil, errors.ES(errors.OpIngestStatus, errors.KTimeout,
				"timed out after %s waiting for ingestion operation %s to complete", timeout, operationID)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.E(errors.OpIngestStatus, errors.KTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

// Close releases the configuration cache and the connection.
func (i *Ingestion) Close() error {
	i.mgr.Close()
	return i.conn.Close()
}
