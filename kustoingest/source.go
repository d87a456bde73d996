package kustoingest

import (
	"bytes"
	"io"
	"os"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/google/uuid"
)

// DataFormat is the wire format of the ingested data.
type DataFormat = properties.DataFormat

// All supported data formats.
const (
	DFUnknown  = properties.DFUnknown
	AVRO       = properties.AVRO
	ApacheAVRO = properties.ApacheAVRO
	CSV        = properties.CSV
	JSON       = properties.JSON
	MultiJSON  = properties.MultiJSON
	ORC        = properties.ORC
	PSV        = properties.PSV
	Parquet    = properties.Parquet
	Raw        = properties.Raw
	SCSV       = properties.SCSV
	SOHSV      = properties.SOHSV
	SStream    = properties.SStream
	TSV        = properties.TSV
	TXT        = properties.TXT
	W3CLogFile = properties.W3CLogFile
)

// CompressionType is the compression applied to the source data.
type CompressionType = properties.CompressionType

const (
	CTUnknown = properties.CTUnknown
	CTNone    = properties.CTNone
	GZIP      = properties.GZIP
	ZIP       = properties.ZIP
)

type sourceKind int

const (
	blobKind sourceKind = iota
	fileKind
	streamKind
)

// Source is a single unit of data to ingest: a service-reachable blob, a local
// file, or an in-memory stream. The source id is minted at construction and never
// changes.
type Source struct {
	id          uuid.UUID
	kind        sourceKind
	format      DataFormat
	compression CompressionType
	name        string
	leaveOpen   bool

	blobURL string
	rawSize int64

	path string

	reader io.Reader
}

// SourceOption is an optional argument to the Source constructors.
type SourceOption func(s *Source)

// WithFormat sets the data format explicitly, overriding path-based discovery.
func WithFormat(format DataFormat) SourceOption {
	return func(s *Source) {
		s.format = format
	}
}

// WithCompression declares the source's existing compression. Sources that are
// already compressed are never re-compressed.
func WithCompression(compression CompressionType) SourceOption {
	return func(s *Source) {
		s.compression = compression
	}
}

// WithSourceID overrides the generated source id.
func WithSourceID(id uuid.UUID) SourceOption {
	return func(s *Source) {
		s.id = id
	}
}

// WithName sets a display name used in blob naming and failure reports.
func WithName(name string) SourceOption {
	return func(s *Source) {
		s.name = name
	}
}

// WithRawSize declares the uncompressed data size in bytes for sources whose size
// cannot be probed, e.g. blobs.
func WithRawSize(size int64) SourceOption {
	return func(s *Source) {
		s.rawSize = size
	}
}

// LeaveOpen keeps the underlying stream open after ingestion completes.
func LeaveOpen() SourceOption {
	return func(s *Source) {
		s.leaveOpen = true
	}
}

// BlobSource references data already reachable by the service at a blob URL.
func BlobSource(url string, options ...SourceOption) *Source {
	s := &Source{
		id:          uuid.New(),
		kind:        blobKind,
		blobURL:     url,
		name:        url,
		format:      properties.DataFormatDiscovery(url),
		compression: properties.CompressionDiscovery(url),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// FileSource references a local file. Format and compression default to what the
// file name suggests.
func FileSource(path string, options ...SourceOption) *Source {
	s := &Source{
		id:          uuid.New(),
		kind:        fileKind,
		path:        path,
		name:        path,
		format:      properties.DataFormatDiscovery(path),
		compression: properties.CompressionDiscovery(path),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// StreamSource wraps an in-memory reader. Provide the format with WithFormat;
// unspecified formats default to CSV at submission time.
func StreamSource(reader io.Reader, options ...SourceOption) *Source {
	s := &Source{
		id:          uuid.New(),
		kind:        streamKind,
		reader:      reader,
		compression: CTNone,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ID returns the source's unique id.
func (s *Source) ID() uuid.UUID {
	return s.id
}

// Format returns the source's data format tag.
func (s *Source) Format() DataFormat {
	return s.format
}

// Compression returns the source's declared compression.
func (s *Source) Compression() CompressionType {
	return s.compression
}

// Name returns the display name.
func (s *Source) Name() string {
	return s.name
}

// IsBlob reports whether the source references a service-reachable blob.
func (s *Source) IsBlob() bool {
	return s.kind == blobKind
}

// BlobURL returns the blob URL for blob sources, "" otherwise.
func (s *Source) BlobURL() string {
	return s.blobURL
}

// shouldCompress reports whether the upload pipeline gzips the source. Binary
// formats and already-compressed sources pass through untouched.
func (s *Source) shouldCompress() bool {
	return s.compression == CTNone && !s.format.IsBinary()
}

// Open returns the data stream of a local source.
func (s *Source) Open() (io.ReadCloser, error) {
	switch s.kind {
	case fileKind:
		f, err := os.Open(s.path)
		if err != nil {
			return nil, errors.ES(errors.OpFileIngest, errors.KLocalFileSystem,
				"problem retrieving source file %q: %s", s.path, err).SetNoRetry()
		}
		return f, nil
	case streamKind:
		if seeker, ok := s.reader.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, errors.ES(errors.OpFileIngest, errors.KIO, "could not rewind the source stream: %s", err)
			}
		}
		if rc, ok := s.reader.(io.ReadCloser); ok && !s.leaveOpen {
			return rc, nil
		}
		return io.NopCloser(s.reader), nil
	}
	return nil, errors.ES(errors.OpFileIngest, errors.KClientArgs, "blob sources have no local data to open").SetNoRetry()
}

// Size returns the source size in bytes when it can be determined without
// consuming the data.
func (s *Source) Size() (int64, bool) {
	switch s.kind {
	case blobKind:
		return s.rawSize, s.rawSize > 0
	case fileKind:
		stat, err := os.Stat(s.path)
		if err != nil {
			return 0, false
		}
		return stat.Size(), true
	case streamKind:
		if s.rawSize > 0 {
			return s.rawSize, true
		}
		switch r := s.reader.(type) {
		case *bytes.Reader:
			return int64(r.Len()), true
		case *bytes.Buffer:
			return int64(r.Len()), true
		case io.Seeker:
			cur, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return 0, false
			}
			end, err := r.Seek(0, io.SeekEnd)
			if err != nil {
				return 0, false
			}
			if _, err := r.Seek(cur, io.SeekStart); err != nil {
				return 0, false
			}
			return end - cur, true
		}
		return 0, false
	}
	return 0, false
}

// Resettable reports whether the source can be reopened after a failed attempt.
func (s *Source) Resettable() bool {
	switch s.kind {
	case fileKind:
		return true
	case streamKind:
		_, ok := s.reader.(io.Seeker)
		return ok
	}
	return false
}

// close releases a local source unless it was constructed with LeaveOpen.
func (s *Source) close() error {
	if s.leaveOpen || s.kind != streamKind {
		return nil
	}
	if closer, ok := s.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
