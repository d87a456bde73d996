// Package conn holds the HTTP connection to the ingestion service. It attaches
// authorization and tracing headers, encodes and decodes JSON bodies, and maps
// transport and service failures onto the package error model.
package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPS enforcement happens at client construction; the Conn itself accepts plain
// http so local emulators work.
var validURL = regexp.MustCompile(`https?://([a-zA-Z0-9_-]+\.){1,2}.*`)

const (
	ClientRequestIdHeader = "x-ms-client-request-id"
	ApplicationHeader     = "x-ms-app"
	UserHeader            = "x-ms-user"
	ClientVersionHeader   = "x-ms-client-version"
	SourceKindHeader      = "x-ms-source-kind"
)

// Conn provides connectivity to a single service endpoint. All requests go out with
// the cached token attached; the cache refreshes tokens before they expire.
type Conn struct {
	endpoint        string
	auth            TokenProvider
	tokens          tokenCache
	endStreamIngest *url.URL
	client          *http.Client
	clientDetails   *ClientDetails
	base            *url.URL
}

// NewConn returns a new Conn object with an injected http.Client.
func NewConn(endpoint string, auth TokenProvider, client *http.Client, clientDetails *ClientDetails) (*Conn, error) {
	if !validURL.MatchString(endpoint) {
		return nil, errors.ES(errors.OpServConn, errors.KClientArgs, "endpoint is not valid(%s), should be https://<cluster name>.*", endpoint).SetNoRetry()
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.ES(errors.OpServConn, errors.KClientArgs, "could not parse the endpoint(%s): %s", endpoint, err).SetNoRetry()
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}

	c := &Conn{
		endpoint:        endpoint,
		auth:            auth,
		endStreamIngest: u.JoinPath("/v1/rest/ingest"),
		client:          client,
		clientDetails:   clientDetails,
		base:            u,
	}

	return c, nil
}

// Endpoint returns the endpoint this Conn talks to.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// GetJSON issues a GET against the endpoint's path segments and decodes the JSON
// response into out.
func (c *Conn) GetJSON(ctx context.Context, op errors.Op, segments []string, query url.Values, out interface{}) error {
	return c.doJSON(ctx, op, http.MethodGet, segments, query, nil, out)
}

// PostJSON JSON-encodes in, issues a POST against the endpoint's path segments and
// decodes the JSON response into out. out may be nil when the body is not needed.
func (c *Conn) PostJSON(ctx context.Context, op errors.Op, segments []string, query url.Values, in interface{}, out interface{}) error {
	buff := &bytes.Buffer{}
	if err := json.NewEncoder(buff).Encode(in); err != nil {
		return errors.E(op, errors.KInternal, fmt.Errorf("could not JSON marshal the request body: %w", err))
	}
	return c.doJSON(ctx, op, http.MethodPost, segments, query, buff, out)
}

func (c *Conn) doJSON(ctx context.Context, op errors.Op, method string, segments []string, query url.Values, body io.Reader, out interface{}) error {
	u := c.base.JoinPath(segments...)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	logger := zerolog.Ctx(ctx).With().
		Str("method", method).
		Str("endpoint", u.String()).
		Logger()

	headers := c.getHeaders("")
	headers.Add("Content-Type", "application/json; charset=utf-8")

	respBody, err := c.do(ctx, op, method, u, headers, body, "")
	if err != nil {
		logger.Error().Err(err).Msg("request failed")
		return err
	}
	defer respBody.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, respBody)
		return nil
	}
	if err := json.NewDecoder(respBody).Decode(out); err != nil {
		return errors.E(op, errors.KInternal, fmt.Errorf("could not decode the JSON response: %w", err))
	}
	return nil
}

// StreamIngest ingests into database "db", table "table" what is stored in "payload",
// which should be encoded in "format" and may name a server side data mapping
// reference "mappingName". When isBlobURI is set, payload carries a JSON blob-URI
// envelope instead of raw data and the request is marked accordingly.
func (c *Conn) StreamIngest(ctx context.Context, db, table string, payload io.Reader, format properties.DataFormat, mappingName string, clientRequestID string, isBlobURI bool) error {
	op := errors.OpIngestStream
	if format == properties.DFUnknown {
		format = properties.CSV
	}

	u := c.endStreamIngest.JoinPath(db, table)
	qv := url.Values{}
	if mappingName != "" {
		qv.Add("mappingName", mappingName)
	}
	qv.Add("streamFormat", format.CamelCase())
	u.RawQuery = qv.Encode()

	headers := c.getHeaders(clientRequestID)
	if isBlobURI {
		headers.Add("Content-Type", "application/json; charset=utf-8")
		headers.Add(SourceKindHeader, "uri")
	} else {
		headers.Add("Content-Type", "application/octet-stream")
		headers.Add("Content-Encoding", "gzip")
	}

	respBody, err := c.do(ctx, op, http.MethodPost, u, headers, payload, "streaming ingest issue")
	if err != nil {
		return err
	}
	defer respBody.Close()
	_, _ = io.Copy(io.Discard, respBody)
	return nil
}

func (c *Conn) do(ctx context.Context, op errors.Op, method string, u *url.URL, headers http.Header, body io.Reader, errorContext string) (io.ReadCloser, error) {
	// Replace non-ascii chars in headers with '?'
	for _, values := range headers {
		for i := range values {
			var builder strings.Builder
			for _, char := range values[i] {
				if char > unicode.MaxASCII {
					builder.WriteRune('?')
				} else {
					builder.WriteRune(char)
				}
			}
			values[i] = builder.String()
		}
	}

	if c.auth != nil && c.auth.AuthorizationRequired() {
		token, err := c.tokens.get(ctx, c.auth)
		if err != nil {
			return nil, errors.E(op, errors.KAuthentication, fmt.Errorf("error while getting token: %w", err)).SetNoRetry()
		}
		headers.Add("Authorization", fmt.Sprintf("%s %s", token.Scheme, token.Value))
	}

	var closeableBody io.ReadCloser
	if body != nil {
		var ok bool
		if closeableBody, ok = body.(io.ReadCloser); !ok {
			closeableBody = io.NopCloser(body)
		}
	}

	req := &http.Request{
		Method: method,
		URL:    u,
		Header: headers,
		Body:   closeableBody,
	}

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.E(op, errors.KIO, fmt.Errorf("error sending request to %s: %w", u.Host, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			respBody = nil
		}
		if errorContext == "" {
			errorContext = fmt.Sprintf("error from endpoint %s", u.Host)
		}
		return nil, errors.HTTP(op, resp.Status, resp.StatusCode, respBody, errorContext)
	}
	return resp.Body, nil
}

func (c *Conn) getHeaders(clientRequestID string) http.Header {
	headers := http.Header{}
	headers.Add("Accept", "application/json")
	headers.Add("Accept-Encoding", "gzip")
	headers.Add("Connection", "Keep-Alive")

	if clientRequestID != "" {
		headers.Add(ClientRequestIdHeader, clientRequestID)
	} else {
		headers.Add(ClientRequestIdHeader, "KGC.execute;"+uuid.New().String())
	}

	if c.clientDetails != nil {
		headers.Add(ApplicationHeader, c.clientDetails.ApplicationForTracing())
		headers.Add(UserHeader, c.clientDetails.UserNameForTracing())
		headers.Add(ClientVersionHeader, c.clientDetails.ClientVersionForTracing())
	}
	return headers
}

func (c *Conn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
