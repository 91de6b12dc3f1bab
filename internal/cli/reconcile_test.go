package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeService(t *testing.T, status int, header map[string]string, body interface{}) (*httptest.Server, *string) {
	t.Helper()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/workspaces/reconcile", r.URL.Path)
		auth = r.Header.Get("Authorization")
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &auth
}

func TestReconcile_Success(t *testing.T) {
	t.Setenv("TENANTSYNC_ADMIN_SECRET", "s3cret")
	srv, auth := fakeService(t, http.StatusOK, nil, map[string]interface{}{
		"status":      "completed",
		"durationMs":  12,
		"driftCount":  2,
		"triggeredAt": "2025-06-01T09:00:00Z",
		"result": map[string]interface{}{
			"added":   []string{"globex"},
			"removed": []string{"initech"},
		},
	})

	out, err := execute(t, "reconcile", "--server", srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(*auth, "Bearer "))
	assert.Equal(t, "Reconciled in 12ms, drift 2\n  added:   globex\n  removed: initech\n", out)
}

func TestReconcile_RateLimited(t *testing.T) {
	t.Setenv("TENANTSYNC_ADMIN_SECRET", "s3cret")
	srv, _ := fakeService(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "42"},
		map[string]string{"error": "too soon", "code": "rate_limited"})

	out, err := execute(t, "reconcile", "--server", srv.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [rate_limited]: triggered too soon, retry after 42s")
}

func TestReconcile_InProgress(t *testing.T) {
	t.Setenv("TENANTSYNC_ADMIN_SECRET", "s3cret")
	srv, _ := fakeService(t, http.StatusConflict, nil, map[string]string{"error": "busy"})

	out, err := execute(t, "reconcile", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, out, "Error [already_in_progress]")
}

func TestReconcile_Unauthorized(t *testing.T) {
	t.Setenv("TENANTSYNC_ADMIN_SECRET", "s3cret")
	srv, _ := fakeService(t, http.StatusUnauthorized, nil, map[string]string{"error": "invalid bearer token"})

	out, err := execute(t, "reconcile", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, out, "server answered 401: invalid bearer token")
}

func TestReconcile_NoSecret(t *testing.T) {
	t.Setenv("TENANTSYNC_ADMIN_SECRET", "")
	_, err := execute(t, "reconcile", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
