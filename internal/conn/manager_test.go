package conn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
	"github.com/roach88/tenantsync/internal/testutil"
)

func fastConfig() conn.Config {
	return conn.Config{
		ConnectTimeout:       200 * time.Millisecond,
		ReconnectInterval:    5 * time.Millisecond,
		ReconnectMaxInterval: 20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func newManager(t *testing.T, engine conn.Engine, cfg conn.Config) *conn.Manager {
	t.Helper()
	m := conn.NewManager(engine, cfg)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func statuses(c conn.Connection) []domain.StoreStatus {
	out := make([]domain.StoreStatus, len(c.StatusHistory))
	for i, h := range c.StatusHistory {
		out[i] = h.Status
	}
	return out
}

func TestEnsureConnected_OpensOnce(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	c, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, c.Status)
	assert.NotNil(t, c.Handle)
	assert.True(t, c.Network.IsConnected)
	assert.Equal(t, []domain.StoreStatus{domain.StatusConnecting, domain.StatusConnected}, statuses(c))

	again, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	assert.Same(t, c.Handle, again.Handle)
	assert.Equal(t, 1, engine.Opens("store-a"))
}

func TestEnsureConnected_ConcurrentCallersShareHandle(t *testing.T) {
	engine := testutil.NewFakeEngine()
	engine.SetDelay(20 * time.Millisecond)
	m := newManager(t, engine, fastConfig())

	var wg sync.WaitGroup
	handles := make([]conn.Handle, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.EnsureConnected(context.Background(), "store-a")
			assert.NoError(t, err)
			handles[i] = c.Handle
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, engine.Opens("store-a"))
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, engine.LiveHandles("store-a"))
}

func TestEnsureConnected_CanonicalisesID(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())

	_, err := m.EnsureConnected(context.Background(), "  store-a ")
	require.NoError(t, err)

	_, ok := m.Status("store-a")
	assert.True(t, ok)
}

func TestEnsureConnected_Timeout(t *testing.T) {
	engine := testutil.NewFakeEngine()
	engine.Hang("slow", true)
	cfg := fastConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	m := newManager(t, engine, cfg)

	_, err := m.EnsureConnected(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, conn.IsTimeout(err))

	var connErr *conn.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "slow", connErr.StoreID)
	assert.Equal(t, 1, connErr.Attempt)

	c, ok := m.Status("slow")
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, c.Status)
	assert.Nil(t, c.Handle)
	assert.Equal(t, 1, c.ErrorCount)
}

func TestEnsureConnected_FailureRecordsError(t *testing.T) {
	engine := testutil.NewFakeEngine()
	engine.Fail("bad", errors.New("unauthorized"))
	m := newManager(t, engine, fastConfig())

	_, err := m.EnsureConnected(context.Background(), "bad")
	require.Error(t, err)
	assert.False(t, conn.IsTimeout(err))
	assert.Contains(t, err.Error(), "unauthorized")

	c, ok := m.Status("bad")
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, c.Status)
	assert.Equal(t, 1, c.ErrorCount)
	assert.Equal(t, 1, c.ReconnectAttempts)
	assert.Equal(t, "unauthorized", c.LastError)

	_, err = m.Handle("bad")
	assert.ErrorIs(t, err, conn.ErrNotConnected)
}

func TestEnsureConnected_RecoversFromError(t *testing.T) {
	engine := testutil.NewFakeEngine()
	engine.FailTimes("flaky", 1)
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "flaky")
	require.Error(t, err)

	c, err := m.EnsureConnected(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, c.Status)
	assert.Equal(t, 0, c.ReconnectAttempts)
	assert.Empty(t, c.LastError)
	assert.Equal(t, 1, c.ErrorCount)
	assert.Equal(t, []domain.StoreStatus{
		domain.StatusConnecting, domain.StatusError,
		domain.StatusConnecting, domain.StatusConnected,
	}, statuses(c))
}

func TestDisconnect_RunsHooksLastFirst(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, m.OnShutdown("store-a", func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}

	require.NoError(t, m.Disconnect(ctx, "store-a"))
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.True(t, engine.Handle("store-a").IsClosed())

	_, ok := m.Status("store-a")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}

func TestDisconnect_CollectsHookErrors(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)

	hookErr := errors.New("unsubscribe failed")
	ran := false
	require.NoError(t, m.OnShutdown("store-a", func(context.Context) error {
		ran = true
		return nil
	}))
	require.NoError(t, m.OnShutdown("store-a", func(context.Context) error { return hookErr }))

	err = m.Disconnect(ctx, "store-a")
	assert.ErrorIs(t, err, hookErr)
	assert.True(t, ran, "later hook failure must not stop earlier hooks")
	assert.True(t, engine.Handle("store-a").IsClosed())
}

func TestDisconnect_UnknownIsNoop(t *testing.T) {
	m := newManager(t, testutil.NewFakeEngine(), fastConfig())
	assert.NoError(t, m.Disconnect(context.Background(), "nope"))
}

func TestDisconnect_ThenReconnectOpensFresh(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	first, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx, "store-a"))

	second, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	assert.NotSame(t, first.Handle, second.Handle)
	assert.Equal(t, 2, engine.Opens("store-a"))
	assert.Equal(t, 1, engine.LiveHandles("store-a"))
}

func TestHooksRequireKnownStore(t *testing.T) {
	m := newManager(t, testutil.NewFakeEngine(), fastConfig())

	assert.ErrorIs(t, m.OnShutdown("x", func(context.Context) error { return nil }), conn.ErrNotConnected)
	assert.ErrorIs(t, m.OnReconnect("x", func(conn.Handle) {}), conn.ErrNotConnected)
	assert.ErrorIs(t, m.RecordActivity("x"), conn.ErrNotConnected)
}

func TestRecordActivity(t *testing.T) {
	clock := testutil.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := conn.NewManager(testutil.NewFakeEngine(), fastConfig(), conn.WithClock(clock.Now))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	c, err := m.EnsureConnected(context.Background(), "store-a")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), c.LastActivityAt)

	later := clock.Advance(time.Minute)
	require.NoError(t, m.RecordActivity("store-a"))

	c, _ = m.Status("store-a")
	assert.Equal(t, later, c.LastActivityAt)
}

func TestNetworkLoss_ReconnectsInBackground(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())

	first, err := m.EnsureConnected(context.Background(), "store-a")
	require.NoError(t, err)

	reconnected := make(chan conn.Handle, 1)
	require.NoError(t, m.OnReconnect("store-a", func(h conn.Handle) { reconnected <- h }))

	engine.Handle("store-a").SetNetwork(false)

	select {
	case h := <-reconnected:
		assert.NotSame(t, first.Handle, h)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook not called")
	}

	c, ok := m.Status("store-a")
	require.True(t, ok)
	assert.Equal(t, domain.StatusConnected, c.Status)
	assert.Equal(t, 1, c.ErrorCount)
	assert.True(t, c.Network.IsConnected)
	assert.Nil(t, c.Network.DisconnectedSince)
	assert.Contains(t, statuses(c), domain.StatusDisconnected)

	assert.Eventually(t, func() bool { return engine.LiveHandles("store-a") == 1 },
		time.Second, 5*time.Millisecond)
}

func TestNetworkLoss_DuringOpenStillReconnects(t *testing.T) {
	engine := testutil.NewFakeEngine()
	engine.DropOnOpen("store-a", 1)
	m := newManager(t, engine, fastConfig())

	_, err := m.EnsureConnected(context.Background(), "store-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, _ := m.Status("store-a")
		return c.Status == domain.StatusConnected && engine.Opens("store-a") == 2
	}, 2*time.Second, 5*time.Millisecond)

	c, _ := m.Status("store-a")
	assert.Contains(t, statuses(c), domain.StatusDisconnected)
	assert.Equal(t, 1, c.ErrorCount)
	assert.True(t, c.Network.IsConnected)
	assert.True(t, engine.Handle("store-a") != nil && !engine.Handle("store-a").IsClosed())
}

func TestNetworkLoss_StaleHandleIgnored(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	stale := engine.Handle("store-a")
	require.NoError(t, m.Disconnect(ctx, "store-a"))

	_, err = m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)

	stale.SetNetwork(false)

	c, _ := m.Status("store-a")
	assert.Equal(t, domain.StatusConnected, c.Status)
	assert.Equal(t, 2, engine.Opens("store-a"))
}

func TestNetworkLoss_AttemptsExhausted(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := newManager(t, engine, fastConfig())
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)

	engine.Fail("store-a", errors.New("server gone"))
	engine.Handle("store-a").SetNetwork(false)

	require.Eventually(t, func() bool {
		c, _ := m.Status("store-a")
		return c.Status == domain.StatusError && c.ReconnectAttempts == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := m.Handle("store-a")
		return errors.Is(err, conn.ErrRetriesExhausted)
	}, time.Second, 5*time.Millisecond)

	// No further attempts once exhausted.
	opens := engine.Opens("store-a")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, opens, engine.Opens("store-a"))
	assert.Equal(t, 4, opens)

	// An explicit ensure revives the store.
	engine.Fail("store-a", nil)
	c, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, c.Status)
	assert.Equal(t, 0, c.ReconnectAttempts)
}

func TestDisconnect_StopsBackgroundReconnect(t *testing.T) {
	engine := testutil.NewFakeEngine()
	cfg := fastConfig()
	cfg.ReconnectInterval = time.Hour
	cfg.ReconnectMaxInterval = time.Hour
	m := newManager(t, engine, cfg)
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	engine.Handle("store-a").SetNetwork(false)

	c, _ := m.Status("store-a")
	assert.Equal(t, domain.StatusDisconnected, c.Status)
	require.NotNil(t, c.Network.DisconnectedSince)

	done := make(chan struct{})
	go func() {
		_ = m.Close(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on pending reconnect")
	}
	assert.Equal(t, 1, engine.Opens("store-a"))
}

func TestList_SortedByStoreID(t *testing.T) {
	m := newManager(t, testutil.NewFakeEngine(), fastConfig())
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := m.EnsureConnected(ctx, id)
		require.NoError(t, err)
	}

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].StoreID)
	assert.Equal(t, "b", list[1].StoreID)
	assert.Equal(t, "c", list[2].StoreID)
}

func TestStatusHistory_Bounded(t *testing.T) {
	engine := testutil.NewFakeEngine()
	cfg := fastConfig()
	cfg.HistoryLimit = 4
	m := newManager(t, engine, cfg)
	ctx := context.Background()

	engine.FailTimes("store-a", 3)
	for i := 0; i < 3; i++ {
		_, err := m.EnsureConnected(ctx, "store-a")
		require.Error(t, err)
	}
	c, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)

	require.Len(t, c.StatusHistory, 4)
	assert.Equal(t, domain.StatusConnected, c.StatusHistory[3].Status)
}

func TestClose_RejectsNewConnections(t *testing.T) {
	engine := testutil.NewFakeEngine()
	m := conn.NewManager(engine, fastConfig())
	ctx := context.Background()

	_, err := m.EnsureConnected(ctx, "store-a")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))

	assert.True(t, engine.Handle("store-a").IsClosed())
	_, err = m.EnsureConnected(ctx, "store-b")
	assert.ErrorIs(t, err, conn.ErrClosed)
}
