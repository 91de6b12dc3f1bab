// Package queue implements bounded per-conversation FIFO queues.
//
// Each conversation owns one queue. Enqueue first evicts entries older than
// the TTL, then rejects with ErrQueueOverflow once the queue holds MaxSize
// entries. Nothing in this package blocks: a full queue is a signal for the
// caller to drop, retry later or surface the error.
//
// Abandoned conversations are swept by Run on a fixed interval so memory
// stays bounded even when no further Enqueue/Dequeue calls arrive.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueOverflow is returned by Enqueue when the conversation's queue is full.
var ErrQueueOverflow = errors.New("queue overflow")

// Defaults used when Config fields are zero.
const (
	DefaultMaxSize       = 100
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Config bounds every conversation queue of a Manager.
type Config struct {
	MaxSize       int
	TTL           time.Duration
	SweepInterval time.Duration
}

// Item is one queued payload together with its enqueue time.
type Item[T any] struct {
	Payload    T
	EnqueuedAt time.Time
}

// Stats summarises all queues of a Manager.
type Stats struct {
	Conversations int            `json:"conversations"`
	TotalMessages int            `json:"totalMessages"`
	Overflows     int64          `json:"overflows"`
	Evicted       int64          `json:"evicted"`
	Lengths       map[string]int `json:"lengths"`
}

// Manager owns one FIFO per conversation id.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager[T any] struct {
	mu        sync.Mutex
	queues    map[string][]Item[T]
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
	overflows int64
	evicted   int64
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used by the sweep loop.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewManager creates an empty Manager. Zero Config fields take the defaults.
func NewManager[T any](cfg Config, opts ...Option) *Manager[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		queues: make(map[string][]Item[T]),
		cfg:    cfg,
		now:    o.now,
		logger: o.logger,
	}
}

// Enqueue appends payload to the conversation's queue.
// Stale entries are evicted first; ErrQueueOverflow is returned if the queue
// is still at MaxSize afterwards.
func (m *Manager[T]) Enqueue(conversationID string, payload T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	q := m.evictLocked(conversationID, now)
	if len(q) >= m.cfg.MaxSize {
		m.overflows++
		return ErrQueueOverflow
	}
	m.queues[conversationID] = append(q, Item[T]{Payload: payload, EnqueuedAt: now})
	return nil
}

// Dequeue removes and returns the oldest non-stale payload.
// ok is false when the queue is empty.
func (m *Manager[T]) Dequeue(conversationID string) (payload T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.evictLocked(conversationID, m.now())
	if len(q) == 0 {
		return payload, false
	}

	item := q[0]
	// Zero the slot so the backing array does not pin the payload.
	var zero Item[T]
	q[0] = zero

	if len(q) == 1 {
		delete(m.queues, conversationID)
	} else {
		m.queues[conversationID] = q[1:]
	}
	return item.Payload, true
}

// HasMessages reports whether the conversation has queued payloads.
func (m *Manager[T]) HasMessages(conversationID string) bool {
	return m.Len(conversationID) > 0
}

// Len returns the conversation's queue length, excluding stale entries.
func (m *Manager[T]) Len(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.evictLocked(conversationID, m.now()))
}

// Clear drops every payload queued for the conversation and returns how many
// were dropped.
func (m *Manager[T]) Clear(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queues[conversationID])
	delete(m.queues, conversationID)
	return n
}

// Stats returns a snapshot of all queues.
func (m *Manager[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Conversations: len(m.queues),
		Overflows:     m.overflows,
		Evicted:       m.evicted,
		Lengths:       make(map[string]int, len(m.queues)),
	}
	for id, q := range m.queues {
		st.Lengths[id] = len(q)
		st.TotalMessages += len(q)
	}
	return st
}

// Sweep evicts stale entries from every queue and returns how many were evicted.
func (m *Manager[T]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, q := range m.queues {
		before := len(q)
		after := len(m.evictLocked(id, now))
		removed += before - after
	}
	return removed
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Manager[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("evicted stale queued messages", "count", n)
			}
		}
	}
}

// evictLocked drops entries older than TTL from the front of the queue.
// Entries are in enqueue order, so the stale ones are always a prefix.
// Caller must hold m.mu.
func (m *Manager[T]) evictLocked(conversationID string, now time.Time) []Item[T] {
	q := m.queues[conversationID]
	cut := 0
	for cut < len(q) && now.Sub(q[cut].EnqueuedAt) > m.cfg.TTL {
		cut++
	}
	if cut == 0 {
		return q
	}

	var zero Item[T]
	for i := 0; i < cut; i++ {
		q[i] = zero
	}
	m.evicted += int64(cut)

	q = q[cut:]
	if len(q) == 0 {
		delete(m.queues, conversationID)
		return nil
	}
	m.queues[conversationID] = q
	return q
}
