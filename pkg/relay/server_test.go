package relay

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db, Options{})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func do(t *testing.T, method, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestConditionalWrites(t *testing.T) {
	s, ts := newTestServer(t)
	url := ts.URL + "/users/u/states/remote"

	resp := do(t, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, url, []byte("one"), map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	tag := resp.Header.Get("ETag")
	require.NotEmpty(t, tag)

	resp = do(t, http.MethodPut, url, []byte("two"), map[string]string{"If-None-Match": "*"})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	resp = do(t, http.MethodPut, url, []byte("two"), map[string]string{"If-Match": `"stale"`})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.preconditions))

	resp = do(t, http.MethodPut, url, []byte("two"), map[string]string{"If-Match": tag})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodPut, url, []byte("three"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	latest := resp.Header.Get("ETag")

	resp = do(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "three", string(body))
	assert.Equal(t, latest, resp.Header.Get("ETag"))
}

func TestListAndDelete(t *testing.T) {
	_, ts := newTestServer(t)
	for _, key := range []string{"remote", "sample-revId-1"} {
		resp := do(t, http.MethodPut, ts.URL+"/users/u/states/"+key, []byte("x"), nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	resp := do(t, http.MethodPut, ts.URL+"/users/other/states/remote", []byte("x"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/users/u/states", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `["remote","sample-revId-1"]`, string(body))

	resp = do(t, http.MethodDelete, ts.URL+"/users/u/states/remote", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/users/u/states/remote", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "relay_requests_total"))
}
