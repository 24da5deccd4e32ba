package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/forge/pkg/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := newTestStore(t)
	r := runner.New(s, t.TempDir())
	r.BuildExecution = stubExecution()
	srv := NewServer(s, r)
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_Ping(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/ping", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out PingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Version)
}

func TestServer_Status(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/status", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out.Health)
	assert.Equal(t, 0, out.AgentCount)
}

func TestServer_SpawnGetKillAgent(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/agents", SpawnAgentRequest{
		AgentID: "http-agent",
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var spawned AgentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&spawned))
	assert.Equal(t, AgentStateRunning, spawned.State)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/v1/agents/http-agent", nil)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	killResp := doJSON(t, http.MethodPost, ts.URL+"/v1/agents/http-agent/kill", KillAgentRequest{Force: true})
	defer killResp.Body.Close()
	assert.Equal(t, http.StatusOK, killResp.StatusCode)
}

func TestServer_GetUnknownAgentReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/agents/missing", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var env errEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "ERR_not-found", env.Error.Code)
}

func TestServer_SpawnMissingAgentIDReturnsBadRequest(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/agents", SpawnAgentRequest{Command: "sh"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StartGetStopLoopRunner(t *testing.T) {
	srv, ts := newTestServer(t)
	loop := seedRunnableLoop(t, srv.store, 10, 5)

	startResp := doJSON(t, http.MethodPost, ts.URL+"/v1/loops/"+loop.ID+"/runner", StartLoopRunnerRequest{})
	defer startResp.Body.Close()
	require.Equal(t, http.StatusOK, startResp.StatusCode)
	var status LoopRunnerStatus
	require.NoError(t, json.NewDecoder(startResp.Body).Decode(&status))
	assert.True(t, status.Running)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/v1/loops/"+loop.ID+"/runner", nil)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	stopResp := doJSON(t, http.MethodDelete, ts.URL+"/v1/loops/"+loop.ID+"/runner?force=true", nil)
	defer stopResp.Body.Close()
	assert.Equal(t, http.StatusOK, stopResp.StatusCode)
}

func TestServer_StartLoopRunnerUnknownLoopReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/loops/does-not-exist/runner", StartLoopRunnerRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ShutdownStopsLoopRunners(t *testing.T) {
	srv, _ := newTestServer(t)
	loop := seedRunnableLoop(t, srv.store, 10, 5)

	_, err := srv.loopRunners.Start(StartLoopRunnerRequest{LoopID: loop.ID})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Empty(t, srv.loopRunners.List())
}
