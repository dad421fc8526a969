package clients

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/testutil"
)

func newTestClient(t *testing.T) *HTTPClient {
	cfg := DefaultHTTPConfig()
	cfg.PageRate = 0 // tests should not sleep
	return NewHTTPClient(cfg, testutil.Logger(t))
}

func TestGetBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "trawler")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	body, err := newTestClient(t).GetBody(testutil.Context(t), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errType   errors.ErrorType
		retryable bool
	}{
		{"missing entry", http.StatusNotFound, errors.ErrorTypeNotFound, false},
		{"throttled", http.StatusTooManyRequests, errors.ErrorTypeRateLimit, true},
		{"server error", http.StatusInternalServerError, errors.ErrorTypeConnection, true},
		{"bad gateway", http.StatusBadGateway, errors.ErrorTypeConnection, true},
		{"client error", http.StatusBadRequest, errors.ErrorTypeData, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t).GetBody(testutil.Context(t), srv.URL)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"business_id":"0041616"},{"business_id":"0041617"}]`))
	}))
	defer srv.Close()

	var rows []map[string]interface{}
	require.NoError(t, newTestClient(t).GetJSON(testutil.Context(t), srv.URL, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "0041616", rows[0]["business_id"])
}

func TestGetJSONMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"truncated":`))
	}))
	defer srv.Close()

	var v map[string]interface{}
	err := newTestClient(t).GetJSON(testutil.Context(t), srv.URL, &v)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestConnectionRefused(t *testing.T) {
	// Grab a port and release it so nothing is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead := srv.URL
	srv.Close()

	_, err := newTestClient(t).GetBody(testutil.Context(t), dead)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsRetryable(err))
}

func TestRequestCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t)
	ctx := testutil.Context(t)

	_, err := c.GetBody(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	_, err = c.GetBody(ctx, srv.URL+"/missing")
	require.Error(t, err)

	total, failed := c.Requests()
	assert.EqualValues(t, 2, total)
	assert.EqualValues(t, 1, failed)
}
