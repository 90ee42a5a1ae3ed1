package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func controlServer(t *testing.T, runners ...*fakeRunner) *httptest.Server {
	t.Helper()
	svc, _ := serviceFor(runners...)
	srv := httptest.NewServer(Handler(svc))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return srv
}

func post(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHTTPLifecycle(t *testing.T) {
	srv := controlServer(t, newFakeRunner())

	body := post(t, srv.URL+"/start")
	assert.Equal(t, "started", body["status"])

	body = post(t, srv.URL+"/start")
	assert.Equal(t, "already_running", body["status"])

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, StateRunning, status.State)
	require.NotNil(t, status.Pipeline)

	body = post(t, srv.URL+"/stop")
	assert.Equal(t, "stopped", body["status"])

	body = post(t, srv.URL+"/stop")
	assert.Equal(t, "not_running", body["status"])
}

func TestHTTPStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.failFast = true
	runner.runErr = assert.AnError
	srv := controlServer(t, runner)

	resp, err := http.Post(srv.URL+"/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
}
