package conn

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tenantsync/internal/domain"
)

// Defaults used when Config fields are zero.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectInterval    = time.Second
	DefaultReconnectMaxInterval = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHistoryLimit         = 20
)

// Config controls connect timeouts and reconnect backoff.
type Config struct {
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	MaxReconnectAttempts int
	HistoryLimit         int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// StatusChange is one entry of a store's status history.
type StatusChange struct {
	Status domain.StoreStatus `json:"status"`
	At     time.Time          `json:"at"`
}

// NetworkStatus is the transport state last reported by the handle.
type NetworkStatus struct {
	IsConnected       bool       `json:"isConnected"`
	LastUpdatedAt     time.Time  `json:"lastUpdatedAt"`
	DisconnectedSince *time.Time `json:"disconnectedSince,omitempty"`
}

// Connection is a read-only snapshot of one store's connection state.
type Connection struct {
	StoreID           string             `json:"storeId"`
	Status            domain.StoreStatus `json:"status"`
	ConnectedAt       time.Time          `json:"connectedAt"`
	LastActivityAt    time.Time          `json:"lastActivityAt"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	ErrorCount        int                `json:"errorCount"`
	LastError         string             `json:"lastError,omitempty"`
	StatusHistory     []StatusChange     `json:"statusHistory"`
	Network           NetworkStatus      `json:"networkStatus"`

	// Handle is the live handle, nil unless Status is connected.
	Handle Handle `json:"-"`
}

// entry is the mutable per-store state. Fields other than openMu are
// guarded by Manager.mu.
type entry struct {
	openMu sync.Mutex // serialises opens for this store

	storeID           string
	status            domain.StoreStatus
	connectedAt       time.Time
	lastActivityAt    time.Time
	reconnectAttempts int
	errorCount        int
	lastError         string
	history           []StatusChange
	network           NetworkStatus
	handle            Handle
	generation        uint64 // manager-wide sequence of the current handle
	exhausted         bool

	shutdownHooks  []func(context.Context) error
	reconnectHooks []func(Handle)
	cancelRetry    context.CancelFunc
}

// Manager opens, tracks and closes tenant store handles.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	engine Engine
	cfg    Config
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager backed by engine.
func NewManager(engine Engine, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		engine:  engine,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		after:   time.After,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureConnected returns the store's live connection, opening one if needed.
//
// An explicit call resets the reconnect attempt counter and cancels any
// background reconnect, so it is also how a store in error is revived.
// The open is bounded by ConnectTimeout; on expiry the error wraps
// ErrConnectionTimeout.
func (m *Manager) EnsureConnected(ctx context.Context, storeID string) (Connection, error) {
	storeID = domain.Canonical(storeID)
	for {
		e, err := m.entryFor(storeID)
		if err != nil {
			return Connection{}, err
		}

		e.openMu.Lock()
		m.mu.Lock()
		if m.entries[storeID] != e {
			// Disconnected while we waited; start over on a fresh entry.
			m.mu.Unlock()
			e.openMu.Unlock()
			continue
		}
		if e.status == domain.StatusConnected && e.handle != nil {
			snap := e.snapshot()
			m.mu.Unlock()
			e.openMu.Unlock()
			return snap, nil
		}
		e.reconnectAttempts = 0
		e.exhausted = false
		if e.cancelRetry != nil {
			e.cancelRetry()
			e.cancelRetry = nil
		}
		m.mu.Unlock()

		conn, err := m.open(ctx, e)
		e.openMu.Unlock()
		return conn, err
	}
}

// Disconnect closes the store's handle, runs its shutdown hooks (last
// registered first), records the disconnected transition and forgets the
// store. Disconnecting an unknown store is a no-op.
func (m *Manager) Disconnect(ctx context.Context, storeID string) error {
	storeID = domain.Canonical(storeID)

	m.mu.Lock()
	e, ok := m.entries[storeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if e.cancelRetry != nil {
		e.cancelRetry()
		e.cancelRetry = nil
	}
	m.mu.Unlock()

	e.openMu.Lock()
	defer e.openMu.Unlock()

	m.mu.Lock()
	hooks := e.shutdownHooks
	e.shutdownHooks = nil
	e.reconnectHooks = nil
	h := e.handle
	e.handle = nil
	m.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h != nil {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	m.transitionLocked(e, domain.StatusDisconnected)
	now := m.now()
	e.network.IsConnected = false
	e.network.LastUpdatedAt = now
	if m.entries[storeID] == e {
		delete(m.entries, storeID)
	}
	m.mu.Unlock()

	m.logger.Info("store disconnected", "store_id", storeID)
	return errors.Join(errs...)
}

// RecordActivity stamps the store's lastActivityAt. Idle detection is left
// to callers.
func (m *Manager) RecordActivity(storeID string) error {
	storeID = domain.Canonical(storeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[storeID]
	if !ok {
		return ErrNotConnected
	}
	e.lastActivityAt = m.now()
	return nil
}

// Handle returns the store's live handle. It fails with ErrRetriesExhausted
// when background reconnects gave up, ErrNotConnected otherwise.
func (m *Manager) Handle(storeID string) (Handle, error) {
	storeID = domain.Canonical(storeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[storeID]
	if ok && e.exhausted {
		return nil, ErrRetriesExhausted
	}
	if !ok || e.status != domain.StatusConnected || e.handle == nil {
		return nil, ErrNotConnected
	}
	return e.handle, nil
}

// Status returns a snapshot of one store.
func (m *Manager) Status(storeID string) (Connection, bool) {
	storeID = domain.Canonical(storeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[storeID]
	if !ok {
		return Connection{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every known store, ordered by store id.
func (m *Manager) List() []Connection {
	m.mu.Lock()
	out := make([]Connection, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out
}

// OnShutdown registers fn to run when the store is disconnected.
func (m *Manager) OnShutdown(storeID string, fn func(context.Context) error) error {
	storeID = domain.Canonical(storeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[storeID]
	if !ok {
		return ErrNotConnected
	}
	e.shutdownHooks = append(e.shutdownHooks, fn)
	return nil
}

// OnReconnect registers fn to run with the new handle after a background
// reconnect succeeds.
func (m *Manager) OnReconnect(storeID string, fn func(Handle)) error {
	storeID = domain.Canonical(storeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[storeID]
	if !ok {
		return ErrNotConnected
	}
	e.reconnectHooks = append(e.reconnectHooks, fn)
	return nil
}

// Close disconnects every store and waits for background reconnects to stop.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) entryFor(storeID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[storeID]
	if !ok {
		e = &entry{storeID: storeID}
		m.entries[storeID] = e
	}
	return e, nil
}

// open performs one connect attempt. Caller must hold e.openMu.
func (m *Manager) open(ctx context.Context, e *entry) (Connection, error) {
	m.mu.Lock()
	m.transitionLocked(e, domain.StatusConnecting)
	attempt := e.reconnectAttempts + 1
	m.mu.Unlock()

	h, err := m.openWithTimeout(ctx, e.storeID)

	m.mu.Lock()
	if err != nil {
		e.errorCount++
		e.reconnectAttempts++
		e.lastError = err.Error()
		m.transitionLocked(e, domain.StatusError)
		snap := e.snapshot()
		m.mu.Unlock()
		m.logger.Warn("store connect failed", "store_id", e.storeID, "attempt", attempt, "error", err)
		return snap, &ConnectionError{StoreID: e.storeID, Attempt: attempt, Err: err}
	}

	now := m.now()
	m.gen++
	e.generation = m.gen
	gen := e.generation
	e.handle = h
	e.connectedAt = now
	e.lastActivityAt = now
	e.reconnectAttempts = 0
	e.lastError = ""
	e.network = NetworkStatus{IsConnected: true, LastUpdatedAt: now}
	m.transitionLocked(e, domain.StatusConnected)
	snap := e.snapshot()
	m.mu.Unlock()

	// Registered outside m.mu: a handle whose transport already dropped
	// reports synchronously, which schedules a reconnect right away.
	storeID := e.storeID
	h.OnNetworkChange(func(connected bool) {
		m.handleNetworkChange(storeID, gen, connected)
	})

	m.logger.Info("store connected", "store_id", storeID, "attempt", attempt)
	return snap, nil
}

// openWithTimeout races engine.Open against ConnectTimeout.
func (m *Manager) openWithTimeout(ctx context.Context, storeID string) (Handle, error) {
	openCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	type result struct {
		h   Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := m.engine.Open(openCtx, storeID)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(openCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, ErrConnectionTimeout
			}
			return nil, r.err
		}
		return r.h, nil
	case <-openCtx.Done():
		// Abandoned open: close whatever arrives late.
		go func() {
			if r := <-done; r.h != nil {
				_ = r.h.Close(context.Background())
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// handleNetworkChange reacts to the transport of generation gen going up or
// down. Reports from handles that have since been replaced are ignored.
func (m *Manager) handleNetworkChange(storeID string, gen uint64, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[storeID]
	if !ok || e.generation != gen {
		return
	}
	now := m.now()
	e.network.IsConnected = connected
	e.network.LastUpdatedAt = now
	if connected {
		e.network.DisconnectedSince = nil
		return
	}
	if e.network.DisconnectedSince == nil {
		since := now
		e.network.DisconnectedSince = &since
	}
	if e.status != domain.StatusConnected {
		return
	}

	e.errorCount++
	m.transitionLocked(e, domain.StatusDisconnected)
	if h := e.handle; h != nil {
		e.handle = nil
		go func() { _ = h.Close(context.Background()) }()
	}
	m.logger.Warn("store network lost, scheduling reconnect", "store_id", storeID)
	m.startRetryLocked(e)
}

// startRetryLocked launches the background reconnect loop for e.
// Caller must hold m.mu.
func (m *Manager) startRetryLocked(e *entry) {
	if m.closed || e.cancelRetry != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelRetry = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.retryLoop(ctx, e)
	}()
}

func (m *Manager) retryLoop(ctx context.Context, e *entry) {
	for {
		m.mu.Lock()
		attempts := e.reconnectAttempts
		if attempts >= m.cfg.MaxReconnectAttempts {
			m.transitionLocked(e, domain.StatusError)
			e.exhausted = true
			e.cancelRetry = nil
			m.mu.Unlock()
			m.logger.Error("store reconnect attempts exhausted", "store_id", e.storeID, "attempts", attempts)
			return
		}
		m.mu.Unlock()

		delay := Backoff(attempts+1, m.cfg.ReconnectInterval, m.cfg.ReconnectMaxInterval)
		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}

		e.openMu.Lock()
		if ctx.Err() != nil {
			e.openMu.Unlock()
			return
		}
		conn, err := m.open(ctx, e)
		e.openMu.Unlock()
		if err != nil {
			continue
		}

		m.mu.Lock()
		if e.status != domain.StatusConnected {
			// The new transport dropped while registering; keep trying.
			m.mu.Unlock()
			continue
		}
		e.cancelRetry = nil
		hooks := append([]func(Handle){}, e.reconnectHooks...)
		m.mu.Unlock()

		for _, hook := range hooks {
			hook(conn.Handle)
		}
		return
	}
}

// transitionLocked moves e to next, appending to the bounded history.
// Illegal transitions are logged and ignored. Caller must hold m.mu.
func (m *Manager) transitionLocked(e *entry, next domain.StoreStatus) {
	if e.status == next {
		return
	}
	if !e.status.CanTransition(next) {
		m.logger.Warn("ignoring illegal store transition", "store_id", e.storeID, "from", e.status, "to", next)
		return
	}
	e.status = next
	e.history = append(e.history, StatusChange{Status: next, At: m.now()})
	if over := len(e.history) - m.cfg.HistoryLimit; over > 0 {
		e.history = append([]StatusChange(nil), e.history[over:]...)
	}
}

func (e *entry) snapshot() Connection {
	c := Connection{
		StoreID:           e.storeID,
		Status:            e.status,
		ConnectedAt:       e.connectedAt,
		LastActivityAt:    e.lastActivityAt,
		ReconnectAttempts: e.reconnectAttempts,
		ErrorCount:        e.errorCount,
		LastError:         e.lastError,
		StatusHistory:     append([]StatusChange(nil), e.history...),
		Network:           e.network,
	}
	if e.network.DisconnectedSince != nil {
		since := *e.network.DisconnectedSince
		c.Network.DisconnectedSince = &since
	}
	if e.status == domain.StatusConnected {
		c.Handle = e.handle
	}
	return c
}
