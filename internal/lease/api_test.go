package lease

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulafaas/internal/fabric"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()

	m := newManager(t, openStore(t, ""), fabric.NewSimProvider())

	srv := httptest.NewServer(NewAdminAPI(m, nil).Router())
	t.Cleanup(srv.Close)

	return srv
}

func doJSON(t *testing.T, method, url string, body, out interface{}) *http.Response {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}

	req, err := http.NewRequest(method, url, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp
}

func TestAdminAPILeaseLifecycle(t *testing.T) {
	srv := newAPI(t)

	var created Lease
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/leases", CreateRequest{Client: "cli", Cores: 2}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	assert.Equal(t, "cli", created.Client)
	assert.Equal(t, StateActive, created.State)

	var got Lease
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/leases/%d", srv.URL, created.ID), nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Token, got.Token)

	var leases []Lease
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/leases?state=active", nil, &leases)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, leases, 1)

	var executors []ExecutorStatus
	doJSON(t, http.MethodGet, srv.URL+"/v1/executors", nil, &executors)
	require.Len(t, executors, 2)
	assert.Equal(t, ExecutorStatus{Name: "exec-a", Address: "sim-a", Cores: 4, FreeCores: 2}, executors[0])

	var released Lease
	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/leases/%d", srv.URL, created.ID), nil, &released)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StateReleased, released.State)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/v1/leases/%d", srv.URL, created.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	leases = nil
	doJSON(t, http.MethodGet, srv.URL+"/v1/leases?state=active", nil, &leases)
	assert.Empty(t, leases)
}

func TestAdminAPIErrors(t *testing.T) {
	srv := newAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{name: "bad body", method: http.MethodPost, path: "/v1/leases", body: "nope", want: http.StatusBadRequest},
		{name: "zero cores", method: http.MethodPost, path: "/v1/leases", body: CreateRequest{}, want: http.StatusBadRequest},
		{name: "no capacity", method: http.MethodPost, path: "/v1/leases", body: CreateRequest{Cores: 64}, want: http.StatusConflict},
		{
			name: "unknown executor", method: http.MethodPost, path: "/v1/leases",
			body: CreateRequest{Cores: 1, Executor: "nope"}, want: http.StatusBadRequest,
		},
		{name: "missing lease", method: http.MethodGet, path: "/v1/leases/123", want: http.StatusNotFound},
		{name: "invalid id", method: http.MethodGet, path: "/v1/leases/abc", want: http.StatusBadRequest},
		{name: "zero id", method: http.MethodDelete, path: "/v1/leases/0", want: http.StatusBadRequest},
		{name: "id out of range", method: http.MethodGet, path: "/v1/leases/70000", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string

			resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body, &body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAdminAPIHealthAndMetrics(t *testing.T) {
	srv := newAPI(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/detailed", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health/live", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "caller-id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "caller-id", resp.Header.Get(RequestIDHeader))
}
