package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duraflow/internal/api"
	"duraflow/internal/engine"
	"duraflow/internal/store"
)

func testServer(t *testing.T) (*httptest.Server, *engine.Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	reg := engine.NewRegistry()
	eng := engine.New(st, reg)
	srv := httptest.NewServer(api.NewServer(eng, st))
	t.Cleanup(srv.Close)
	return srv, reg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStartStatusSignalCancel(t *testing.T) {
	srv, reg := testServer(t)
	reg.RegisterWorkflow("wf", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.WaitSignal("go")
	}, engine.WorkflowOptions{})

	resp := postJSON(t, srv.URL+"/api/executions", map[string]any{
		"workflow_name": "wf",
		"input":         map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started struct {
		ID string `json:"id"`
	}
	decode(t, resp, &started)
	require.NotEmpty(t, started.ID)

	getResp, err := http.Get(srv.URL + "/api/executions/" + started.ID)
	require.NoError(t, err)
	require.Equal(t, 200, getResp.StatusCode)
	var status map[string]any
	decode(t, getResp, &status)
	assert.Equal(t, "PENDING", status["status"])
	assert.Equal(t, "wf", status["workflow_name"])

	resp = postJSON(t, srv.URL+"/api/executions/"+started.ID+"/signal", map[string]any{
		"name":    "go",
		"payload": map[string]any{"x": 1},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/executions/"+started.ID+"/cancel", map[string]any{
		"reason": "operator request",
	})
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	getResp, err = http.Get(srv.URL + "/api/executions/" + started.ID)
	require.NoError(t, err)
	decode(t, getResp, &status)
	assert.Equal(t, "CANCELED", status["status"])
}

func TestStartRequiresWorkflowName(t *testing.T) {
	srv, _ := testServer(t)
	resp := postJSON(t, srv.URL+"/api/executions", map[string]any{"input": map[string]any{}})
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestUnknownExecutionIs404(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/api/executions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestScheduleCRUD(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/schedules", map[string]any{
		"name":          "nightly",
		"cron_expr":     "0 3 * * *",
		"workflow_name": "report",
		"input":         map[string]any{"day": "today"},
		"enabled":       true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)
	require.NotEmpty(t, created.ID)

	listResp, err := http.Get(srv.URL + "/api/schedules")
	require.NoError(t, err)
	var schedules []map[string]any
	decode(t, listResp, &schedules)
	assert.Len(t, schedules, 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/schedules/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, 200, delResp.StatusCode)

	listResp, err = http.Get(srv.URL + "/api/schedules")
	require.NoError(t, err)
	schedules = nil
	decode(t, listResp, &schedules)
	assert.Empty(t, schedules)
}

func TestInvalidCronRejected(t *testing.T) {
	srv, _ := testServer(t)
	resp := postJSON(t, srv.URL+"/api/schedules", map[string]any{
		"name":          "bad",
		"cron_expr":     "nope",
		"workflow_name": "report",
	})
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
