package activities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duraflow/internal/domain"
	"duraflow/internal/engine"
)

func actx(t *testing.T) *engine.ActivityContext {
	t.Helper()
	return engine.NewActivityContext(context.Background(), nil, domain.ActivityTask{}, time.Minute)
}

func TestHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := HTTPRequest(actx(t), []any{map[string]any{
		"url":     srv.URL,
		"method":  "POST",
		"headers": map[string]any{"X-Test": "yes"},
	}}, nil)
	require.NoError(t, err)
	resp := res.(httpResponse)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, resp.Body)
}

func TestHTTPRequestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer srv.Close()

	_, err := HTTPRequest(actx(t), []any{map[string]any{"url": srv.URL}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestHTTPRequestRequiresURL(t *testing.T) {
	_, err := HTTPRequest(actx(t), []any{map[string]any{}}, nil)
	require.Error(t, err)
}

func TestShellCommand(t *testing.T) {
	res, err := ShellCommand(actx(t), []any{map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	}}, nil)
	require.NoError(t, err)
	out := res.(map[string]any)
	assert.Equal(t, "hello\n", out["output"])
}

func TestShellCommandRequiresCommand(t *testing.T) {
	_, err := ShellCommand(actx(t), []any{map[string]any{}}, nil)
	require.Error(t, err)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterBuiltins(reg)
	_, err := reg.LookupActivity("builtin.http_request")
	assert.NoError(t, err)
	_, err = reg.LookupActivity("builtin.shell")
	assert.NoError(t, err)
}
