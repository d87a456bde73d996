// Package properties provides the REST properties that are serialized and sent to the
// service based upon the type of ingestion we are doing, plus the data format and
// compression enumerations shared by every ingestion path.
package properties

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CompressionType is a source's compression type.
type CompressionType int8

// String implements fmt.Stringer.
func (c CompressionType) String() string {
	switch c {
	case CTNone:
		return "none"
	case GZIP:
		return "gzip"
	case ZIP:
		return "zip"
	}
	return "unknown compression type"
}

// MarshalJSON implements json.Marshaler.
func (c CompressionType) MarshalJSON() ([]byte, error) {
	if c == CTUnknown {
		return nil, fmt.Errorf("CTUnknown is an invalid compression type")
	}
	return []byte(fmt.Sprintf("%q", c.String())), nil
}

const (
	// CTUnknown indicates that the compression type was unset.
	CTUnknown CompressionType = 0
	// CTNone indicates that the source is not compressed.
	CTNone CompressionType = 1
	// GZIP indicates that the source is gzip compressed.
	GZIP CompressionType = 2
	// ZIP indicates that the source is zip compressed.
	ZIP CompressionType = 3
)

// DataFormat indicates what type of encoding format was used for source data.
// More info here: https://docs.microsoft.com/en-us/azure/kusto/management/data-ingestion/
type DataFormat int

const (
	// DFUnknown indicates the DataFormat is not set.
	DFUnknown DataFormat = 0
	// CSV indicates the source is encoded in comma separated values.
	CSV DataFormat = 1
	// JSON indicates the source is encoded as one JSON document per line.
	JSON DataFormat = 2
	// MultiJSON indicates the source is encoded in JSON, possibly spanning lines.
	MultiJSON DataFormat = 3
	// AVRO indicates the source is encoded in Apache Avro format.
	AVRO DataFormat = 4
	// ApacheAVRO indicates the source is encoded in Apache Avro format with the apacheavro tag.
	ApacheAVRO DataFormat = 5
	// Parquet indicates the source is encoded in Apache Parquet format.
	Parquet DataFormat = 6
	// ORC indicates the source is encoded in Apache Optimized Row Columnar format.
	ORC DataFormat = 7
	// TSV is a file containing tab separated values ("\t").
	TSV DataFormat = 8
	// SCSV is a file containing semicolon ";" separated values.
	SCSV DataFormat = 9
	// SOHSV is a file containing SOH-separated values (ASCII codepoint 1).
	SOHSV DataFormat = 10
	// PSV is pipe "|" separated values.
	PSV DataFormat = 11
	// Raw is a text file that has only a single string value.
	Raw DataFormat = 12
	// TXT is a text file with lines delimited by "\n".
	TXT DataFormat = 13
	// SStream indicates the source is encoded as a Microsoft Cosmos structured stream.
	SStream DataFormat = 14
	// W3CLogFile indicates the source is encoded using W3C Extended Log File format.
	W3CLogFile DataFormat = 15
)

var dfDescriptions = map[DataFormat]struct {
	ext    string
	camel  string
	binary bool
}{
	CSV:        {ext: "csv", camel: "Csv"},
	JSON:       {ext: "json", camel: "Json"},
	MultiJSON:  {ext: "multijson", camel: "MultiJson"},
	AVRO:       {ext: "avro", camel: "Avro", binary: true},
	ApacheAVRO: {ext: "apacheavro", camel: "ApacheAvro", binary: true},
	Parquet:    {ext: "parquet", camel: "Parquet", binary: true},
	ORC:        {ext: "orc", camel: "Orc", binary: true},
	TSV:        {ext: "tsv", camel: "Tsv"},
	SCSV:       {ext: "scsv", camel: "Scsv"},
	SOHSV:      {ext: "sohsv", camel: "Sohsv"},
	PSV:        {ext: "psv", camel: "Psv"},
	Raw:        {ext: "raw", camel: "Raw"},
	TXT:        {ext: "txt", camel: "Txt"},
	SStream:    {ext: "ss", camel: "SStream"},
	W3CLogFile: {ext: "w3clogfile", camel: "W3CLogFile"},
}

// String implements fmt.Stringer. The value doubles as the file extension for the format.
func (d DataFormat) String() string {
	if desc, ok := dfDescriptions[d]; ok {
		return desc.ext
	}
	return ""
}

// CamelCase returns the CamelCase rendition the service expects in the streamFormat
// query argument.
func (d DataFormat) CamelCase() string {
	if desc, ok := dfDescriptions[d]; ok {
		return desc.camel
	}
	return ""
}

// IsBinary reports whether the format is a binary format. Binary formats are already
// internally compressed and must never be re-compressed by the client.
func (d DataFormat) IsBinary() bool {
	if desc, ok := dfDescriptions[d]; ok {
		return desc.binary
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (d DataFormat) MarshalJSON() ([]byte, error) {
	if d == DFUnknown {
		return nil, fmt.Errorf("DFUnknown is an invalid data format")
	}
	return []byte(fmt.Sprintf("%q", d.String())), nil
}

// DataFormatDiscovery looks at the file name and returns the DataFormat that matches
// its extension, or DFUnknown when the extension is not one we recognize.
func DataFormatDiscovery(fName string) DataFormat {
	name := fName
	if u, err := url.Parse(fName); err == nil && u.Scheme != "" {
		name = path.Base(u.Path)
	}

	for strings.EqualFold(filepath.Ext(name), ".gz") || strings.EqualFold(filepath.Ext(name), ".gzip") ||
		strings.EqualFold(filepath.Ext(name), ".zip") {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for df, desc := range dfDescriptions {
		if desc.ext == ext {
			return df
		}
	}
	return DFUnknown
}

// CompressionDiscovery looks at the file name's extension. If it is one we support, we
// return the CompressionType that represents that value. Otherwise we return CTNone to
// indicate that the file should not be treated as compressed.
func CompressionDiscovery(fName string) CompressionType {
	var ext string
	if strings.HasPrefix(strings.ToLower(fName), "http") {
		ext = strings.ToLower(filepath.Ext(path.Base(fName)))
	} else {
		ext = strings.ToLower(filepath.Ext(fName))
	}

	switch ext {
	case ".gz", ".gzip":
		return GZIP
	case ".zip":
		return ZIP
	}
	return CTNone
}

// Ingestion is the JSON serializable set of per-request options sent to the service in
// the "properties" field of a queued submit, and mapped onto query arguments for a
// streaming submit.
type Ingestion struct {
	// DatabaseName and TableName route the request; they ride in the URL path, not the body.
	DatabaseName string `json:"-"`
	TableName    string `json:"-"`

	// Format is the data format of the source.
	Format DataFormat `json:"format,omitempty"`
	// IngestionMapping is a JSON string that maps the source data to the table's columns.
	IngestionMapping string `json:"ingestionMapping,omitempty"`
	// IngestionMappingRef references a mapping that was pre-created on the server.
	// Mutually exclusive with IngestionMapping.
	IngestionMappingRef string `json:"ingestionMappingReference,omitempty"`
	// EnableTracking asks the server to emit per-blob status for the operation.
	EnableTracking bool `json:"enableTracking,omitempty"`
	// Tags is a list of tags to associate with the ingested data.
	Tags []string `json:"tags,omitempty"`
	// IngestIfNotExists prevents ingestion when the table already has data tagged with
	// an ingest-by: tag of the same value.
	IngestIfNotExists string `json:"ingestIfNotExists,omitempty"`
	// ValidationPolicy is a JSON encoded validation policy for the ingested data.
	ValidationPolicy string `json:"validationPolicy,omitempty"`
	// FlushImmediately bypasses the service side aggregation delay.
	FlushImmediately bool `json:"flushImmediately,omitempty"`
}

// Validate checks the cross-field constraints of the properties.
func (i Ingestion) Validate() error {
	if i.IngestionMapping != "" && i.IngestionMappingRef != "" {
		return fmt.Errorf("ingestionMapping and ingestionMappingReference are mutually exclusive, cannot set both")
	}
	return nil
}

// SourceOptions are options the user provides about the source that is going to be uploaded.
type SourceOptions struct {
	// ID is the unique id of the source. A zero value gets replaced at submit time.
	ID uuid.UUID

	// OriginalSource is the path or name the source came from, used for tracing and for
	// discovering compression and format.
	OriginalSource string

	// DontCompress indicates the payload must be shipped as-is, either because it is
	// already compressed or because its format is binary.
	DontCompress bool

	// LeaveOpen indicates the source reader must not be closed when the ingestion
	// completes.
	LeaveOpen bool

	// Size is the size of the source in bytes when it could be determined, 0 otherwise.
	Size int64
}

// Streaming holds properties that only make sense on the streaming path.
type Streaming struct {
	// ClientRequestID is the value for the x-ms-client-request-id header.
	ClientRequestID string
}

// All holds the complete set of properties that might be used during an ingestion.
type All struct {
	// Ingestion is the set of properties serialized to the service.
	Ingestion Ingestion
	// Source provides options describing the local source.
	Source SourceOptions
	// Streaming provides options for the streaming path.
	Streaming Streaming
}

// QueuedBlob describes one staged blob inside a queued ingest request.
type QueuedBlob struct {
	// URL is the blob URL, including any SAS needed to read it.
	URL string `json:"url"`
	// SourceID is the stringified unique id of the originating source.
	SourceID string `json:"sourceId"`
	// RawSize is the uncompressed data size in bytes, when known.
	RawSize int64 `json:"rawSize,omitempty"`
}

// QueuedRequest is the body POSTed to the queued ingestion endpoint.
type QueuedRequest struct {
	Timestamp  time.Time    `json:"timestamp"`
	Blobs      []QueuedBlob `json:"blobs"`
	Properties Ingestion    `json:"properties"`
}

// QueuedResponse is the body returned by a successful queued submit.
type QueuedResponse struct {
	IngestionOperationID string `json:"ingestionOperationId"`
}
