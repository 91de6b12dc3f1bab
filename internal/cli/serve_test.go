package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantsync/internal/events"
	"github.com/roach88/tenantsync/internal/queue"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServe_StartsAndStops(t *testing.T) {
	dir := t.TempDir()
	dirFile := filepath.Join(dir, "workspaces.yaml")
	require.NoError(t, os.WriteFile(dirFile, []byte("workspaces: []\n"), 0o644))
	addr := freeAddr(t)

	t.Setenv("TENANTSYNC_DIRECTORY", "file")
	t.Setenv("TENANTSYNC_DIRECTORY_FILE", dirFile)
	t.Setenv("TENANTSYNC_ADMIN_SECRET", "s3cret")
	t.Setenv("TENANTSYNC_SYNC_URL", "ws://127.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--db", filepath.Join(dir, "tracker.db"), "--listen", addr})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_BadTasksDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TENANTSYNC_TASKS_DIR", filepath.Join(dir, "missing"))

	_, err := execute(t, "serve", "--db", filepath.Join(dir, "tracker.db"), "--listen", freeAddr(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

type overflowCounts map[string]int

func (c overflowCounts) RecordOverflow(_ context.Context, storeID string) { c[storeID]++ }

func TestCountOverflows_OnlyFullQueues(t *testing.T) {
	counts := overflowCounts{}
	hook := countOverflows(counts)

	hook("acme", queue.ErrQueueOverflow)
	hook("acme", fmt.Errorf("submit: %w", queue.ErrQueueOverflow))
	hook("acme", events.ErrDispatcherClosed)
	hook("globex", errors.New("boom"))

	assert.Equal(t, overflowCounts{"acme": 2}, counts)
}
