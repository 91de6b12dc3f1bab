package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
	"github.com/roach88/tenantsync/internal/orchestrator"
	"github.com/roach88/tenantsync/internal/testutil"
)

type fakeDirectory struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *fakeDirectory) set(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = ids
}

func (d *fakeDirectory) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]domain.Workspace, len(d.ids))
	for i, id := range d.ids {
		out[i] = domain.Workspace{InstanceID: id, UserID: "user-" + id}
	}
	return out, nil
}

// fakeMonitor is an in-memory Monitor with injectable per-store failures
// and an optional gate that blocks EnsureMonitored.
type fakeMonitor struct {
	mu         sync.Mutex
	set        map[string]bool
	failAdd    map[string]error
	failRemove map[string]error
	gate       chan struct{}
	entered    chan struct{}
}

func newFakeMonitor(ids ...string) *fakeMonitor {
	m := &fakeMonitor{
		set:        make(map[string]bool),
		failAdd:    make(map[string]error),
		failRemove: make(map[string]error),
	}
	for _, id := range ids {
		m.set[id] = true
	}
	return m
}

func (m *fakeMonitor) ListMonitored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.set))
	for id := range m.set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *fakeMonitor) EnsureMonitored(ctx context.Context, id string) (bool, error) {
	if m.gate != nil {
		if m.entered != nil {
			m.entered <- struct{}{}
		}
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAdd[id]; err != nil {
		return false, err
	}
	already := m.set[id]
	m.set[id] = true
	return already, nil
}

func (m *fakeMonitor) StopMonitoring(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRemove[id]; err != nil {
		return false, err
	}
	already := !m.set[id]
	delete(m.set, id)
	return already, nil
}

type countingRecorder struct {
	mu   sync.Mutex
	runs int
	errs int
}

func (c *countingRecorder) RecordReconcile(ctx context.Context, res *Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	if err != nil {
		c.errs++
	}
}

func TestReconcile_AddsAndRemoves(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A", "B")
	mon := newFakeMonitor("A", "C")
	r := New(dir, mon)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"B"}, res.Added)
	assert.Equal(t, []string{"C"}, res.Removed)
	assert.Empty(t, res.FailedAdds)
	assert.Empty(t, res.FailedRemovals)
	assert.Equal(t, 2, res.AuthoritativeCount)
	assert.Equal(t, 2, res.MonitoredCount)
	assert.Equal(t, 2, res.DriftCount)
	assert.Equal(t, []string{"A", "B"}, mon.ListMonitored())
}

func TestReconcile_SecondRunIsNoop(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A", "B", "C")
	mon := newFakeMonitor("D")
	r := New(dir, mon)
	ctx := context.Background()

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
	assert.Equal(t, 0, res.DriftCount)
}

func TestReconcile_PartialFailureIsolated(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A", "B", "C")
	mon := newFakeMonitor("X", "Y")
	mon.failAdd["B"] = errors.New("connect refused")
	mon.failRemove["X"] = errors.New("hook failed")
	r := New(dir, mon)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, res.Added)
	require.Len(t, res.FailedAdds, 1)
	assert.Equal(t, "B", res.FailedAdds[0].StoreID)
	assert.Equal(t, "connect refused", res.FailedAdds[0].Message)

	assert.Equal(t, []string{"Y"}, res.Removed)
	require.Len(t, res.FailedRemovals, 1)
	assert.Equal(t, "X", res.FailedRemovals[0].StoreID)
	assert.Equal(t, 5, res.DriftCount)

	s := r.Status()
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, 0, s.Failures)
	assert.Equal(t, 2, s.FailedItems)
	assert.Same(t, res, s.LastResult)
}

func TestReconcile_DirectoryOrderAndDuplicates(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("zeta", "alpha", " zeta ", "", "mid")
	mon := newFakeMonitor()
	r := New(dir, mon)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, res.Added)
	assert.Equal(t, 3, res.AuthoritativeCount)
}

func TestReconcile_DirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("db down")}
	mon := newFakeMonitor("A")
	rec := &countingRecorder{}
	r := New(dir, mon, WithRecorder(rec))

	res, err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "db down")

	// Nothing is stopped when the directory cannot be read.
	assert.Equal(t, []string{"A"}, mon.ListMonitored())

	s := r.Status()
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, 1, s.Failures)
	assert.Contains(t, s.LastError, "db down")
	assert.Equal(t, 1, rec.errs)
}

func TestReconcile_SingleFlight(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A")
	mon := newFakeMonitor()
	mon.gate = make(chan struct{})
	mon.entered = make(chan struct{}, 1)
	r := New(dir, mon)

	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := r.Reconcile(context.Background())
		first <- outcome{res, err}
	}()
	<-mon.entered
	assert.True(t, r.InProgress())

	second, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second)

	close(mon.gate)
	got := <-first
	require.NoError(t, got.err)
	require.NotNil(t, got.res)
	assert.Equal(t, []string{"A"}, got.res.Added)
	assert.False(t, r.InProgress())
	assert.Equal(t, 1, r.Status().Runs)
}

func TestReconcileFresh_RunsAgainAfterInFlight(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A")
	mon := newFakeMonitor()
	mon.gate = make(chan struct{})
	mon.entered = make(chan struct{}, 1)
	r := New(dir, mon)

	first := make(chan *Result, 1)
	go func() {
		res, _ := r.Reconcile(context.Background())
		first <- res
	}()
	<-mon.entered

	// The directory changes while the first run is past its listing.
	dir.set("A", "B")
	fresh := make(chan *Result, 1)
	go func() {
		res, err := r.ReconcileFresh(context.Background())
		assert.NoError(t, err)
		fresh <- res
	}()

	select {
	case <-fresh:
		t.Fatal("returned before the in-flight run finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(mon.gate)
	assert.Equal(t, []string{"A"}, (<-first).Added)
	res := <-fresh
	require.NotNil(t, res)
	assert.Equal(t, []string{"B"}, res.Added)
	assert.Equal(t, 2, r.Status().Runs)
}

func TestReconcileFresh_Idle(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A")
	r := New(dir, newFakeMonitor())

	res, err := r.ReconcileFresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"A"}, res.Added)
}

func TestReconcileFresh_ContextCancelled(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A")
	mon := newFakeMonitor()
	mon.gate = make(chan struct{})
	mon.entered = make(chan struct{}, 1)
	r := New(dir, mon)
	t.Cleanup(func() { close(mon.gate) })

	go func() { _, _ = r.Reconcile(context.Background()) }()
	<-mon.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ReconcileFresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconcile_Run(t *testing.T) {
	dir := &fakeDirectory{}
	dir.set("A")
	mon := newFakeMonitor()
	rec := &countingRecorder{}
	r := New(dir, mon, WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Status().Runs >= 3 }, 2*time.Second, 5*time.Millisecond)
	dir.set("B")
	require.Eventually(t, func() bool {
		ids := mon.ListMonitored()
		return len(ids) == 1 && ids[0] == "B"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestReconcile_WithOrchestrator(t *testing.T) {
	engine := testutil.NewFakeEngine()
	conns := conn.NewManager(engine, conn.Config{ConnectTimeout: time.Second})
	t.Cleanup(func() { _ = conns.Close(context.Background()) })
	orch := orchestrator.New(conns)
	ctx := context.Background()

	for _, id := range []string{"A", "C"} {
		_, err := orch.EnsureMonitored(ctx, id)
		require.NoError(t, err)
	}
	engine.Fail("D", errors.New("no such store"))

	dir := &fakeDirectory{}
	dir.set("A", "B", "D")
	r := New(dir, orch)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Added)
	assert.Equal(t, []string{"C"}, res.Removed)
	require.Len(t, res.FailedAdds, 1)
	assert.Equal(t, "D", res.FailedAdds[0].StoreID)
	assert.Equal(t, []string{"A", "B"}, orch.ListMonitored())
	assert.True(t, engine.Handle("C").IsClosed())
	assert.Equal(t, 1, engine.Opens("A"))
}
