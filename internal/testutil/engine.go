package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
)

// FakeEngine is an in-memory conn.Engine.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeEngine struct {
	mu       sync.Mutex
	handles  map[string][]*FakeHandle
	opens    map[string]int
	failures map[string]error
	failN    map[string]int
	hang     map[string]bool
	dropN    map[string]int
	delay    time.Duration

	// Redeliver makes Commit on every handle push a fresh snapshot to
	// subscribers, as a real store engine does.
	Redeliver bool
}

// NewFakeEngine creates an engine whose opens succeed immediately.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		handles:  make(map[string][]*FakeHandle),
		opens:    make(map[string]int),
		failures: make(map[string]error),
		failN:    make(map[string]int),
		hang:     make(map[string]bool),
		dropN:    make(map[string]int),
	}
}

// Open implements conn.Engine.
func (e *FakeEngine) Open(ctx context.Context, storeID string) (conn.Handle, error) {
	e.mu.Lock()
	e.opens[storeID]++
	hang := e.hang[storeID]
	delay := e.delay
	err := e.failures[storeID]
	if err == nil && e.failN[storeID] > 0 {
		e.failN[storeID]--
		err = errors.New("transient open failure")
	}
	e.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	h := NewFakeHandle(storeID)
	h.redeliver = e.Redeliver

	e.mu.Lock()
	if e.dropN[storeID] > 0 {
		e.dropN[storeID]--
		h.lost = true
	}
	e.handles[storeID] = append(e.handles[storeID], h)
	e.mu.Unlock()
	return h, nil
}

// Fail makes every open of storeID fail with err until Fail(storeID, nil).
func (e *FakeEngine) Fail(storeID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, storeID)
		return
	}
	e.failures[storeID] = err
}

// FailTimes makes the next n opens of storeID fail.
func (e *FakeEngine) FailTimes(storeID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failN[storeID] = n
}

// DropOnOpen makes the next n handles of storeID lose their transport
// before Open returns.
func (e *FakeEngine) DropOnOpen(storeID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropN[storeID] = n
}

// Hang makes opens of storeID block until their context is cancelled.
func (e *FakeEngine) Hang(storeID string, hang bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hang[storeID] = hang
}

// SetDelay delays every open by d.
func (e *FakeEngine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// Opens returns how many times storeID was opened.
func (e *FakeEngine) Opens(storeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens[storeID]
}

// Handle returns the most recently opened handle of storeID, or nil.
func (e *FakeEngine) Handle(storeID string) *FakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs := e.handles[storeID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// LiveHandles returns how many handles of storeID are not closed.
func (e *FakeEngine) LiveHandles(storeID string) int {
	e.mu.Lock()
	hs := append([]*FakeHandle(nil), e.handles[storeID]...)
	e.mu.Unlock()

	n := 0
	for _, h := range hs {
		if !h.IsClosed() {
			n++
		}
	}
	return n
}

// FakeHandle is an in-memory conn.Handle holding a message list.
type FakeHandle struct {
	StoreID string

	mu        sync.Mutex
	messages  []domain.Message
	committed []domain.Message
	subs      map[int]func(domain.Snapshot, error)
	nextSub   int
	netFns    []func(bool)
	closed    bool
	lost      bool
	redeliver bool

	// CommitErr, when set, is returned by Commit.
	CommitErr error
}

// NewFakeHandle creates an empty handle.
func NewFakeHandle(storeID string) *FakeHandle {
	return &FakeHandle{StoreID: storeID, subs: make(map[int]func(domain.Snapshot, error))}
}

// Subscribe implements conn.Handle.
func (h *FakeHandle) Subscribe(fn func(domain.Snapshot, error)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("handle closed")
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

// Commit implements conn.Handle.
func (h *FakeHandle) Commit(ctx context.Context, msg domain.Message) error {
	h.mu.Lock()
	if h.CommitErr != nil {
		err := h.CommitErr
		h.mu.Unlock()
		return err
	}
	if h.closed {
		h.mu.Unlock()
		return errors.New("handle closed")
	}
	h.messages = append(h.messages, msg)
	h.committed = append(h.committed, msg)
	redeliver := h.redeliver
	h.mu.Unlock()

	if redeliver {
		h.Deliver()
	}
	return nil
}

// OnNetworkChange implements conn.Handle. A handle that already lost its
// transport reports it to fn at once.
func (h *FakeHandle) OnNetworkChange(fn func(bool)) {
	h.mu.Lock()
	h.netFns = append(h.netFns, fn)
	lost := h.lost && !h.closed
	h.mu.Unlock()
	if lost {
		fn(false)
	}
}

// Close implements conn.Handle.
func (h *FakeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[int]func(domain.Snapshot, error))
	return nil
}

// Push appends messages to the store and delivers the full snapshot.
func (h *FakeHandle) Push(msgs ...domain.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msgs...)
	h.mu.Unlock()
	h.Deliver()
}

// Deliver sends the current full snapshot to every subscriber.
func (h *FakeHandle) Deliver() {
	snap, subs := h.snapshotAndSubs()
	for _, fn := range subs {
		fn(snap, nil)
	}
}

// FailDelivery sends err to every subscriber.
func (h *FakeHandle) FailDelivery(err error) {
	_, subs := h.snapshotAndSubs()
	for _, fn := range subs {
		fn(domain.Snapshot{StoreID: h.StoreID}, err)
	}
}

// SetNetwork reports a transport change to registered listeners.
func (h *FakeHandle) SetNetwork(connected bool) {
	h.mu.Lock()
	h.lost = !connected
	fns := append([]func(bool){}, h.netFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Committed returns the messages written through Commit.
func (h *FakeHandle) Committed() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Message(nil), h.committed...)
}

// Subscribers returns the number of active subscriptions.
func (h *FakeHandle) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// IsClosed reports whether Close was called.
func (h *FakeHandle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *FakeHandle) snapshotAndSubs() (domain.Snapshot, []func(domain.Snapshot, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := domain.Snapshot{StoreID: h.StoreID, Messages: append([]domain.Message(nil), h.messages...)}
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(domain.Snapshot, error), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, h.subs[id])
	}
	return snap, subs
}
