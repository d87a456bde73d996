package conn

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/properties"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenProvider struct {
	mu       sync.Mutex
	calls    int
	token    Token
	err      error
	required bool
}

func (f *fakeTokenProvider) AcquireToken(_ context.Context) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.token, f.err
}

func (f *fakeTokenProvider) AuthorizationRequired() bool {
	return f.required
}

type fakeContent struct {
	Name string
	ID   int32
}

func TestStreamIngest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc        string
		payload     fakeContent
		mappingName string
		statusCode  int
		wantErr     bool
	}{
		{
			desc:       "success without mappingName",
			payload:    fakeContent{Name: "Doak", ID: 25},
			statusCode: http.StatusOK,
		},
		{
			desc:        "success with mappingName",
			payload:     fakeContent{Name: "Doak", ID: 25},
			mappingName: "jsonMap",
			statusCode:  http.StatusOK,
		},
		{
			desc:       "http error surfaces status and body",
			payload:    fakeContent{Name: "Doak", ID: 25},
			statusCode: http.StatusBadRequest,
			wantErr:    true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.desc, func(t *testing.T) {
			var gotReq *http.Request
			var gotBody []byte
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotReq = r
				zr, err := gzip.NewReader(r.Body)
				require.NoError(t, err)
				gotBody, err = io.ReadAll(zr)
				require.NoError(t, err)

				if test.statusCode != http.StatusOK {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(test.statusCode)
					_, _ = w.Write([]byte(`{"error":{"code":"BadRequest","message":"Bad Request"}}`))
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			c, err := NewConn(server.URL, nil, server.Client(), NewClientDetails("testApp", "testUser"))
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			b, err := json.Marshal(test.payload)
			require.NoError(t, err)

			var payload bytes.Buffer
			zw := gzip.NewWriter(&payload)
			_, err = zw.Write(b)
			require.NoError(t, err)
			require.NoError(t, zw.Close())

			err = c.StreamIngest(ctx, "database", "table", &payload, properties.JSON, test.mappingName, "", false)

			if test.wantErr {
				require.Error(t, err)
				var kustoErr *errors.Error
				require.ErrorAs(t, err, &kustoErr)
				assert.Equal(t, http.StatusBadRequest, kustoErr.HTTPStatus())
				assert.Contains(t, kustoErr.Error(), "BadRequest")
				return
			}
			require.NoError(t, err)

			assert.Equal(t, "/v1/rest/ingest/database/table", gotReq.URL.Path)
			assert.Equal(t, "Json", gotReq.URL.Query().Get("streamFormat"))
			assert.Equal(t, test.mappingName, gotReq.URL.Query().Get("mappingName"))
			assert.Equal(t, "application/octet-stream", gotReq.Header.Get("Content-Type"))
			assert.Equal(t, "gzip", gotReq.Header.Get("Content-Encoding"))
			assert.Equal(t, "testApp", gotReq.Header.Get(ApplicationHeader))
			assert.Equal(t, "testUser", gotReq.Header.Get(UserHeader))

			requestID := gotReq.Header.Get(ClientRequestIdHeader)
			assert.True(t, strings.HasPrefix(requestID, "KGC.execute;"))
			_, err = uuid.Parse(strings.TrimPrefix(requestID, "KGC.execute;"))
			assert.NoError(t, err)

			got := fakeContent{}
			require.NoError(t, json.Unmarshal(gotBody, &got))
			assert.Equal(t, test.payload, got)
		})
	}
}

func TestStreamIngestBlobURI(t *testing.T) {
	t.Parallel()

	var gotReq *http.Request
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewConn(server.URL, nil, server.Client(), nil)
	require.NoError(t, err)

	body := strings.NewReader(`{"SourceUri":"https://acc.blob.core.windows.net/cont/blob"}`)
	err = c.StreamIngest(context.Background(), "db", "table", body, properties.CSV, "", "myRequestId", true)
	require.NoError(t, err)

	assert.Equal(t, "uri", gotReq.Header.Get(SourceKindHeader))
	assert.Equal(t, "application/json; charset=utf-8", gotReq.Header.Get("Content-Type"))
	assert.Empty(t, gotReq.Header.Get("Content-Encoding"))
	assert.Equal(t, "myRequestId", gotReq.Header.Get(ClientRequestIdHeader))
	assert.Contains(t, string(gotBody), "SourceUri")
}

func TestPostJSONRoundTrip(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/rest/ingestion/queued/db/table", r.URL.Path)
		assert.Equal(t, "application/json; charset=utf-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		in := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "value", in["key"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ingestionOperationId":"op-42"}`))
	}))
	defer server.Close()

	provider := &fakeTokenProvider{
		token:    Token{Value: "token-1", Scheme: "Bearer", ExpiresOn: time.Now().Add(time.Hour)},
		required: true,
	}
	c, err := NewConn(server.URL, provider, server.Client(), nil)
	require.NoError(t, err)

	out := struct {
		IngestionOperationID string `json:"ingestionOperationId"`
	}{}
	err = c.PostJSON(context.Background(), errors.OpFileIngest,
		[]string{"v1", "rest", "ingestion", "queued", "db", "table"}, nil,
		map[string]string{"key": "value"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "op-42", out.IngestionOperationID)
}

func TestGetJSONErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc       string
		statusCode int
		wantRetry  bool
	}{
		{desc: "500 is transient", statusCode: http.StatusInternalServerError, wantRetry: true},
		{desc: "429 is transient", statusCode: http.StatusTooManyRequests, wantRetry: true},
		{desc: "404 is transient, service may be offline", statusCode: http.StatusNotFound, wantRetry: true},
		{desc: "403 is permanent", statusCode: http.StatusForbidden, wantRetry: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.desc, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.statusCode)
				_, _ = w.Write([]byte(`{"error":{"code":"SomeCode","message":"some message"}}`))
			}))
			defer server.Close()

			c, err := NewConn(server.URL, nil, server.Client(), nil)
			require.NoError(t, err)

			out := map[string]interface{}{}
			err = c.GetJSON(context.Background(), errors.OpConfiguration,
				[]string{"v1", "rest", "ingestion", "configuration"}, nil, &out)
			require.Error(t, err)

			var kustoErr *errors.Error
			require.ErrorAs(t, err, &kustoErr)
			assert.Equal(t, test.statusCode, kustoErr.HTTPStatus())
			assert.Equal(t, test.wantRetry, errors.Retry(err))
		})
	}
}

func TestTokenCacheRefresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := now
	cache := &tokenCache{now: func() time.Time { return clock }}

	provider := &fakeTokenProvider{
		token:    Token{Value: "tok", ExpiresOn: now.Add(10 * time.Minute)},
		required: true,
	}

	// First call acquires, subsequent fresh calls hit the cache.
	for i := 0; i < 3; i++ {
		tok, err := cache.get(context.Background(), provider)
		require.NoError(t, err)
		assert.Equal(t, "tok", tok.Value)
		assert.Equal(t, "Bearer", tok.Scheme)
	}
	assert.Equal(t, 1, provider.calls)

	// Inside the safety window the token refreshes.
	clock = now.Add(10*time.Minute - 30*time.Second)
	_, err := cache.get(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)

	// Static tokens without expiry are cached forever.
	static := &fakeTokenProvider{token: Token{Value: "static"}, required: true}
	staticCache := &tokenCache{now: func() time.Time { return clock }}
	for i := 0; i < 3; i++ {
		_, err := staticCache.get(context.Background(), static)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, static.calls)
}

func TestTokenProviderErrorIsAuthentication(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer server.Close()

	provider := &fakeTokenProvider{err: fmt.Errorf("no credentials"), required: true}
	c, err := NewConn(server.URL, provider, server.Client(), nil)
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), errors.OpConfiguration, []string{"v1"}, nil, nil)
	require.Error(t, err)

	var kustoErr *errors.Error
	require.ErrorAs(t, err, &kustoErr)
	assert.Equal(t, errors.KAuthentication, kustoErr.Kind)
	assert.False(t, errors.Retry(err))
}

func TestNonASCIIHeadersAreSanitized(t *testing.T) {
	t.Parallel()

	var gotApp string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotApp = r.Header.Get(ApplicationHeader)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, err := NewConn(server.URL, nil, server.Client(), NewClientDetails("אפליקציה", "user"))
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), errors.OpConfiguration, []string{"v1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("?", len([]rune("אפליקציה"))), gotApp)
}
