package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantsync/internal/testutil"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(maxSize int, ttl time.Duration) (*Manager[string], *testutil.Clock) {
	clock := testutil.NewClock(t0)
	m := NewManager[string](Config{MaxSize: maxSize, TTL: ttl}, WithClock(clock.Now))
	return m, clock
}

func TestManager_FIFO(t *testing.T) {
	m, _ := newTestManager(10, time.Minute)

	for _, p := range []string{"A", "B", "C"} {
		require.NoError(t, m.Enqueue("conv", p))
	}
	assert.Equal(t, 3, m.Len("conv"))

	for _, want := range []string{"A", "B", "C"} {
		got, ok := m.Dequeue("conv")
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := m.Dequeue("conv")
	assert.False(t, ok, "dequeue from empty queue should return false")
	assert.False(t, m.HasMessages("conv"))
}

func TestManager_ConversationsAreIndependent(t *testing.T) {
	m, _ := newTestManager(1, time.Minute)

	require.NoError(t, m.Enqueue("a", "a1"))
	require.NoError(t, m.Enqueue("b", "b1"))
	assert.ErrorIs(t, m.Enqueue("a", "a2"), ErrQueueOverflow)

	got, ok := m.Dequeue("b")
	require.True(t, ok)
	assert.Equal(t, "b1", got)
	assert.True(t, m.HasMessages("a"))
}

func TestManager_OverflowAtMaxSize(t *testing.T) {
	m, _ := newTestManager(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Enqueue("conv", fmt.Sprint(i)))
	}
	err := m.Enqueue("conv", "overflow")
	assert.ErrorIs(t, err, ErrQueueOverflow)
	assert.Equal(t, 3, m.Len("conv"))
	assert.Equal(t, int64(1), m.Stats().Overflows)
}

func TestManager_EnqueueEvictsStaleBeforeBoundCheck(t *testing.T) {
	m, clock := newTestManager(2, time.Minute)

	require.NoError(t, m.Enqueue("conv", "old-1"))
	require.NoError(t, m.Enqueue("conv", "old-2"))
	require.ErrorIs(t, m.Enqueue("conv", "rejected"), ErrQueueOverflow)

	clock.Advance(time.Minute + time.Second)
	require.NoError(t, m.Enqueue("conv", "fresh"))

	got, ok := m.Dequeue("conv")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, int64(2), m.Stats().Evicted)
}

func TestManager_PartialEviction(t *testing.T) {
	m, clock := newTestManager(10, time.Minute)

	require.NoError(t, m.Enqueue("conv", "stale"))
	clock.Advance(45 * time.Second)
	require.NoError(t, m.Enqueue("conv", "young"))
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, m.Len("conv"))
	got, ok := m.Dequeue("conv")
	require.True(t, ok)
	assert.Equal(t, "young", got)
}

func TestManager_Clear(t *testing.T) {
	m, _ := newTestManager(10, time.Minute)
	require.NoError(t, m.Enqueue("conv", "a"))
	require.NoError(t, m.Enqueue("conv", "b"))

	assert.Equal(t, 2, m.Clear("conv"))
	assert.False(t, m.HasMessages("conv"))
	assert.Equal(t, 0, m.Clear("conv"))
}

func TestManager_SweepAbandonedConversations(t *testing.T) {
	m, clock := newTestManager(10, time.Minute)
	require.NoError(t, m.Enqueue("a", "1"))
	require.NoError(t, m.Enqueue("b", "1"))
	require.NoError(t, m.Enqueue("b", "2"))

	assert.Equal(t, 0, m.Sweep())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, m.Sweep())

	st := m.Stats()
	assert.Equal(t, 0, st.Conversations)
	assert.Equal(t, 0, st.TotalMessages)
}

func TestManager_Stats(t *testing.T) {
	m, _ := newTestManager(10, time.Minute)
	require.NoError(t, m.Enqueue("a", "1"))
	require.NoError(t, m.Enqueue("b", "1"))
	require.NoError(t, m.Enqueue("b", "2"))

	st := m.Stats()
	assert.Equal(t, 2, st.Conversations)
	assert.Equal(t, 3, st.TotalMessages)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, st.Lengths)
}

func TestManager_RunSweepsUntilCancelled(t *testing.T) {
	clock := testutil.NewClock(t0)
	m := NewManager[string](Config{MaxSize: 10, TTL: time.Minute, SweepInterval: 5 * time.Millisecond}, WithClock(clock.Now))
	require.NoError(t, m.Enqueue("abandoned", "x"))
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.Stats().Conversations == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManager_ConcurrentEnqueueRespectsBound(t *testing.T) {
	m, _ := newTestManager(25, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	overflows := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Enqueue("conv", fmt.Sprint(i)); err != nil {
				mu.Lock()
				overflows++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, m.Len("conv"))
	assert.Equal(t, 75, overflows)
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager[int](Config{})
	assert.Equal(t, DefaultMaxSize, m.cfg.MaxSize)
	assert.Equal(t, DefaultTTL, m.cfg.TTL)
	assert.Equal(t, DefaultSweepInterval, m.cfg.SweepInterval)
}
