/*
Package errors provides the error package for the Kusto ingestion client. It wraps all errors
for the client. No error should be generated that doesn't come from this package. This borrows
heavily from the Upspin errors paper written by Rob Pike.
See: https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html
Key differences are that we support wrapped errors and the Unwrap/Is/As additions to the go
stdlib errors package, and that every error carries a retry/permanence signal that the ingestion
drivers and the managed-streaming dispatcher use to decide between retrying, falling back to
queued ingestion, and giving up.
*/
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Separator is the string used to separate nested errors. By
// default, to make errors easier on the eye, nested errors are
// indented on a new line. A server may instead choose to keep each
// error on a single line by modifying the separator string, perhaps
// to ":: ".
var Separator = ":\n\t"

// Op field denotes the operation being performed.
type Op uint16

const (
	OpUnknown       Op = 0 // OpUnknown indicates that the operation that caused the problem is unknown.
	OpServConn      Op = 1 // OpServConn indicates that the client is attempting to connect to the service.
	OpIngestStream  Op = 2 // OpIngestStream indicates a streaming ingestion call.
	OpFileIngest    Op = 3 // OpFileIngest indicates a queued ingestion call from a file or stream.
	OpIngestStatus  Op = 4 // OpIngestStatus indicates a status retrieval call for a queued operation.
	OpConfiguration Op = 5 // OpConfiguration indicates a fetch of the service ingestion configuration.
	OpTokenFetch    Op = 6 // OpTokenFetch indicates acquisition of an access token.
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpServConn:
		return "OpServConn"
	case OpIngestStream:
		return "OpIngestStream"
	case OpFileIngest:
		return "OpFileIngest"
	case OpIngestStatus:
		return "OpIngestStatus"
	case OpConfiguration:
		return "OpConfiguration"
	case OpTokenFetch:
		return "OpTokenFetch"
	}
	return "OpUnknown"
}

// Kind field classifies the error as one of a set of standard conditions.
type Kind uint16

const (
	KOther           Kind = 0  // KOther indicates the error kind was not defined.
	KIO              Kind = 1  // KIO is an external I/O error such as network failure.
	KInternal        Kind = 2  // KInternal is an internal error or inconsistency at the server.
	KTimeout         Kind = 3  // KTimeout indicates the request or a polling deadline timed out.
	KLimitsExceeded  Kind = 4  // KLimitsExceeded indicates the request payload was too large.
	KClientArgs      Kind = 5  // KClientArgs indicates the client supplied invalid argument(s).
	KClientInternal  Kind = 6  // KClientInternal is an internal error at the client.
	KHTTPError       Kind = 7  // KHTTPError wraps a non-2xx response from the service.
	KBlobstore       Kind = 8  // KBlobstore is a failure interacting with Blob Storage.
	KLocalFileSystem Kind = 9  // KLocalFileSystem is a failure reading a local source.
	KAuthentication  Kind = 10 // KAuthentication indicates token acquisition or refresh failed.
	KThrottled       Kind = 11 // KThrottled indicates the service returned HTTP 429.
	KServiceDisabled Kind = 12 // KServiceDisabled indicates streaming ingestion is off by policy or cluster config.
	KSchemaMismatch  Kind = 13 // KSchemaMismatch indicates an update-policy or table schema conflict.
	KCompression     Kind = 14 // KCompression is a failure in the gzip pipeline.
	KUnsupported     Kind = 15 // KUnsupported indicates the operation is not supported for this ingestion kind.
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KIO:
		return "KIO"
	case KInternal:
		return "KInternal"
	case KTimeout:
		return "KTimeout"
	case KLimitsExceeded:
		return "KLimitsExceeded"
	case KClientArgs:
		return "KClientArgs"
	case KClientInternal:
		return "KClientInternal"
	case KHTTPError:
		return "KHTTPError"
	case KBlobstore:
		return "KBlobstore"
	case KLocalFileSystem:
		return "KLocalFileSystem"
	case KAuthentication:
		return "KAuthentication"
	case KThrottled:
		return "KThrottled"
	case KServiceDisabled:
		return "KServiceDisabled"
	case KSchemaMismatch:
		return "KSchemaMismatch"
	case KCompression:
		return "KCompression"
	case KUnsupported:
		return "KUnsupported"
	}
	return "KOther"
}

// Error is the core error for the ingestion client.
type Error struct {
	// Op is the operation that the client was trying to perform.
	Op Op
	// Kind is the error code we identify the error as.
	Kind Kind
	// Err is the wrapped internal error message. This may be of any error
	// type and may also wrap errors.
	Err error

	// restErrMsg is the raw response body of a non-2xx REST response, if there was one.
	restErrMsg []byte
	// status is the HTTP status code of a non-2xx REST response, 0 otherwise.
	status int
	// failureSubCode is the service's typed failure code extracted from the response body.
	failureSubCode string
	// permanent marks the error as not retryable regardless of its Kind.
	permanent bool

	inner *Error
}

// SetNoRetry sets this error as permanent. No retry attempt and no fallback should
// recover it. Returns the same error for chaining.
func (e *Error) SetNoRetry() *Error {
	e.permanent = true
	return e
}

// HTTPStatus returns the HTTP status code associated with the error, or 0 if there is none.
func (e *Error) HTTPStatus() int {
	return e.status
}

// FailureSubCode returns the service's typed failure code, or "" when the service
// did not provide one.
func (e *Error) FailureSubCode() string {
	return e.failureSubCode
}

// RestErrMsg returns the raw body of the failing REST response, if any.
func (e *Error) RestErrMsg() []byte {
	return e.restErrMsg
}

// Unwrap implements "interface {Unwrap() error}" as defined by the go stdlib errors package.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.inner == nil {
		return e.Err
	}
	return e.inner
}

// pad appends str to the buffer if the buffer already has some data.
func pad(b *strings.Builder, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(strings.Builder)
	if e.Op != OpUnknown {
		b.WriteString(fmt.Sprintf("Op(%s)", e.Op.String()))
	}
	if e.Kind != KOther {
		pad(b, ": ")
		b.WriteString(fmt.Sprintf("Kind(%s)", e.Kind.String()))
	}

	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	var inner = e.inner
	for {
		if inner == nil {
			break
		}
		pad(b, Separator)
		b.WriteString(inner.Err.Error())
		inner = inner.inner
	}

	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// E constructs an *Error. You may pass in an Op, Kind and error. If you pass a nil
// error, it panics. If you want to wrap an *Error in an *Error, use W().
func E(o Op, k Kind, err error) *Error {
	if err == nil {
		panic("cannot pass a nil error")
	}
	return &Error{Op: o, Kind: k, Err: err}
}

// ES constructs an *Error. You may pass in an Op, Kind, string and args to the string
// (like fmt.Sprintf). If the result of strings.TrimSpace(fmt.Sprintf(s, args...)) == "", it panics.
func ES(o Op, k Kind, s string, args ...interface{}) *Error {
	str := fmt.Sprintf(s, args...)
	if strings.TrimSpace(str) == "" {
		panic("errors.ES() cannot have an empty string error")
	}
	return &Error{Op: o, Kind: k, Err: errors.New(str)}
}

// W wraps error outer around inner. Both must be of type *Error or this will panic.
func W(inner error, outer error) *Error {
	o, ok := outer.(*Error)
	if !ok {
		panic("W() got an outer error that was not of type *Error")
	}
	i, ok := inner.(*Error)
	if !ok {
		panic("W() got an inner error that was not of type *Error")
	}

	o.inner = i
	return o
}

// HTTP constructs an *Error from a non-2xx REST response. The permanence of the error
// is derived from the status code: 4xx responses are permanent except for 408 (request
// timeout) and 429 (throttled); 5xx responses are transient. The body is retained for
// later classification by the managed-streaming dispatcher.
func HTTP(o Op, status string, statusCode int, body []byte, message string) *Error {
	kind := KHTTPError
	switch statusCode {
	case http.StatusTooManyRequests:
		kind = KThrottled
	case http.StatusRequestEntityTooLarge:
		kind = KLimitsExceeded
	}

	e := &Error{
		Op:             o,
		Kind:           kind,
		Err:            fmt.Errorf("%s(%s): %s", message, status, string(body)),
		restErrMsg:     body,
		status:         statusCode,
		failureSubCode: extractFailureSubCode(body),
	}

	// 404 stays retryable: the service may be offline or the endpoint not yet provisioned.
	if statusCode >= 400 && statusCode < 500 &&
		statusCode != http.StatusRequestTimeout && statusCode != http.StatusTooManyRequests &&
		statusCode != http.StatusNotFound {
		e.permanent = true
	}
	return e
}

// oneAPIBody is the part of a OneApiError response body we care about.
type oneAPIBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Type      string `json:"@type"`
		Permanent *bool  `json:"@permanent"`
	} `json:"error"`
}

// extractFailureSubCode pulls the service's typed error code out of a OneApiError body.
// Returns "" if the body is not recognized.
func extractFailureSubCode(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	b := oneAPIBody{}
	if err := json.Unmarshal(body, &b); err != nil {
		return ""
	}
	return b.Error.Code
}

// Retry returns whether there is any merit in retrying the operation that produced err.
// An error is retryable when it, and every error nested inside it, is of a transient
// Kind and was not explicitly marked permanent. HTTP errors additionally honor the
// service's "@permanent" body attribute when present.
func Retry(err error) bool {
	if err == nil {
		return false
	}

	if combined, ok := err.(*CombinedError); ok {
		for _, e := range combined.Errors {
			if Retry(e) {
				return true
			}
		}
		return false
	}

	e, ok := err.(*Error)
	if !ok {
		var asErr *Error
		if errors.As(err, &asErr) {
			return Retry(asErr)
		}
		return false
	}

	if e.permanent {
		return false
	}
	if e.inner != nil && !Retry(e.inner) {
		return false
	}

	switch e.Kind {
	case KTimeout, KIO, KThrottled, KBlobstore:
		return true
	case KHTTPError:
		b := oneAPIBody{}
		if err := json.Unmarshal(e.restErrMsg, &b); err == nil && b.Error.Permanent != nil {
			return !*b.Error.Permanent
		}
		if e.status == 0 {
			// No status info at all, assume the transport flaked.
			return true
		}
		if e.status >= 500 || e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests {
			return true
		}
		return e.status == http.StatusNotFound
	}
	return false
}

// CombinedError aggregates several errors into one, e.g. the per-source failures of a
// partial upload. It satisfies the stdlib multi-error Unwrap contract.
type CombinedError struct {
	Errors []error
}

// CombineErrors creates a single error from a list of errors. A single error is returned
// unchanged; nil is returned for an empty list.
func CombineErrors(errs ...error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return &CombinedError{Errors: errs}
}

func (c *CombinedError) Error() string {
	b := new(strings.Builder)
	for _, e := range c.Errors {
		pad(b, Separator)
		b.WriteString(e.Error())
	}
	return b.String()
}

// Unwrap implements the multi-error form of Unwrap introduced in go 1.20 so that
// errors.Is/As traverse every aggregated error exactly once.
func (c *CombinedError) Unwrap() []error {
	return c.Errors
}

// GetKustoError returns the *Error within err, or nil if there is none.
func GetKustoError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// OneToErr translates a Kusto OneApiError body into an *Error. If the map is not
// recognized as a OneApiError, it returns nil.
func OneToErr(m map[string]interface{}, op Op) *Error {
	if m == nil {
		return nil
	}

	oneErrors, ok := m["OneApiErrors"].([]interface{})
	if !ok {
		return nil
	}

	var topErr *Error
	var bottomErr *Error
	for _, oneErr := range oneErrors {
		errMap, ok := oneErr.(map[string]interface{})
		if !ok {
			continue
		}
		e := oneToErr(errMap, bottomErr, op)
		if e == nil {
			continue
		}
		if topErr == nil {
			topErr = e
		}
		bottomErr = e
	}
	return topErr
}

func oneToErr(m map[string]interface{}, err *Error, op Op) *Error {
	errMap, ok := m["error"].(map[string]interface{})
	if !ok {
		return nil
	}

	msg, ok := errMap["message"].(string)
	if !ok {
		return nil
	}

	var code string
	if codeStr, ok := errMap["code"].(string); ok {
		code = codeStr
	}

	var kind Kind
	switch code {
	case "LimitsExceeded":
		kind = KLimitsExceeded
	case "Throttled":
		kind = KThrottled
	}

	e := ES(op, kind, msg)
	e.failureSubCode = code
	if err == nil {
		return e
	}

	W(e, err)
	return e
}
