// Package orchestrator decides which tenant stores are under active
// monitoring. A monitored store has a live connection and an event
// subscription; stopping monitoring tears both down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
)

// ErrEmptyStoreID is returned for blank store ids.
var ErrEmptyStoreID = errors.New("store id is empty")

// Connector is the subset of *conn.Manager the orchestrator drives.
type Connector interface {
	EnsureConnected(ctx context.Context, storeID string) (conn.Connection, error)
	Disconnect(ctx context.Context, storeID string) error
	Handle(storeID string) (conn.Handle, error)
	Status(storeID string) (conn.Connection, bool)
	OnShutdown(storeID string, fn func(context.Context) error) error
	OnReconnect(storeID string, fn func(conn.Handle)) error
}

// Watcher subscribes to a store's change feed. The events processor
// implements it.
type Watcher interface {
	Watch(ctx context.Context, storeID string, h conn.Handle) (stop func(), err error)
}

type record struct {
	mu sync.Mutex // serialises ensure/stop for one store

	monitored        bool
	firstMonitoredAt time.Time
	lastEnsuredAt    time.Time
	lastStoppedAt    *time.Time
	stopWatch        func() // guarded by Orchestrator.mu
}

// Orchestrator owns the monitored set.
//
// Thread-safety: all methods are safe for concurrent use. Calls for the same
// store are serialised; calls for different stores run in parallel.
type Orchestrator struct {
	conns   Connector
	watcher Watcher
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	records map[string]*record
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWatcher subscribes every monitored store with w.
func WithWatcher(w Watcher) Option {
	return func(o *Orchestrator) { o.watcher = w }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over conns.
func New(conns Connector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conns:   conns,
		now:     time.Now,
		logger:  slog.Default(),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnsureMonitored starts monitoring storeID. It reports true when the store
// was already monitored, in which case only lastEnsuredAt changes. A store
// whose background reconnects were exhausted is reconnected.
//
// If connecting or subscribing fails the store is not added.
func (o *Orchestrator) EnsureMonitored(ctx context.Context, storeID string) (bool, error) {
	storeID = domain.Canonical(storeID)
	if storeID == "" {
		return false, ErrEmptyStoreID
	}
	r := o.lock(storeID)
	defer r.mu.Unlock()

	now := o.now()
	if r.monitored {
		r.lastEnsuredAt = now
		if _, err := o.conns.Handle(storeID); !errors.Is(err, conn.ErrRetriesExhausted) {
			return true, nil
		}
		o.logger.Info("reviving store after exhausted reconnects", "store_id", storeID)
		c, err := o.conns.EnsureConnected(ctx, storeID)
		if err != nil {
			return true, err
		}
		o.rewatch(storeID, c.Handle)
		return true, nil
	}

	c, err := o.conns.EnsureConnected(ctx, storeID)
	if err != nil {
		if derr := o.conns.Disconnect(ctx, storeID); derr != nil {
			o.logger.Warn("disconnect after failed connect", "store_id", storeID, "error", derr)
		}
		o.forget(storeID, r)
		return false, err
	}

	if o.watcher != nil {
		stop, err := o.watcher.Watch(ctx, storeID, c.Handle)
		if err != nil {
			if derr := o.conns.Disconnect(ctx, storeID); derr != nil {
				o.logger.Warn("disconnect after failed watch", "store_id", storeID, "error", derr)
			}
			o.forget(storeID, r)
			return false, fmt.Errorf("watch %s: %w", storeID, err)
		}
		o.mu.Lock()
		r.stopWatch = stop
		o.mu.Unlock()
	}

	// The connection entry exists now, so registration cannot fail short of
	// a concurrent Close; treat that as a failed ensure.
	err = errors.Join(
		o.conns.OnShutdown(storeID, func(context.Context) error {
			o.unwatch(storeID)
			return nil
		}),
		o.conns.OnReconnect(storeID, func(h conn.Handle) {
			o.rewatch(storeID, h)
		}),
	)
	if err != nil {
		o.unwatch(storeID)
		_ = o.conns.Disconnect(ctx, storeID)
		o.forget(storeID, r)
		return false, fmt.Errorf("register hooks %s: %w", storeID, err)
	}

	r.monitored = true
	if r.firstMonitoredAt.IsZero() {
		r.firstMonitoredAt = now
	}
	r.lastEnsuredAt = now
	o.logger.Info("monitoring started", "store_id", storeID)
	return false, nil
}

// StopMonitoring stops monitoring storeID. It reports true when the store
// was not monitored. The store leaves the monitored set even when the
// disconnect reports an error, since the connection is gone either way.
func (o *Orchestrator) StopMonitoring(ctx context.Context, storeID string) (bool, error) {
	storeID = domain.Canonical(storeID)
	if storeID == "" {
		return false, ErrEmptyStoreID
	}
	r := o.lock(storeID)
	defer r.mu.Unlock()

	if !r.monitored {
		o.forget(storeID, r)
		return true, nil
	}

	err := o.conns.Disconnect(ctx, storeID)
	o.unwatch(storeID)

	now := o.now()
	r.monitored = false
	r.lastStoppedAt = &now
	if err != nil {
		o.logger.Warn("monitoring stopped with errors", "store_id", storeID, "error", err)
		return false, fmt.Errorf("disconnect %s: %w", storeID, err)
	}
	o.logger.Info("monitoring stopped", "store_id", storeID)
	return false, nil
}

// IsMonitored reports whether storeID is in the monitored set.
func (o *Orchestrator) IsMonitored(storeID string) bool {
	storeID = domain.Canonical(storeID)
	o.mu.Lock()
	r, ok := o.records[storeID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitored
}

// ListMonitored returns the monitored store ids in ascending order. Stores
// whose reconnects were exhausted are left out so a reconcile re-adds them.
func (o *Orchestrator) ListMonitored() []string {
	var ids []string
	for _, id := range o.monitoredIDs() {
		if _, err := o.conns.Handle(id); errors.Is(err, conn.ErrRetriesExhausted) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Count returns the size of the monitored set.
func (o *Orchestrator) Count() int {
	return len(o.monitoredIDs())
}

// StoreSummary describes one store the orchestrator has seen.
type StoreSummary struct {
	StoreID           string             `json:"storeId"`
	Monitored         bool               `json:"monitored"`
	Status            domain.StoreStatus `json:"status,omitempty"`
	FirstMonitoredAt  time.Time          `json:"firstMonitoredAt"`
	LastEnsuredAt     time.Time          `json:"lastEnsuredAt"`
	LastStoppedAt     *time.Time         `json:"lastStoppedAt,omitempty"`
	LastActivityAt    *time.Time         `json:"lastActivityAt,omitempty"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	ErrorCount        int                `json:"errorCount"`
	LastError         string             `json:"lastError,omitempty"`
}

// Summary is the observability view of the monitored set.
type Summary struct {
	Monitored    int            `json:"monitored"`
	Connected    int            `json:"connected"`
	Disconnected int            `json:"disconnected"`
	Errored      int            `json:"errored"`
	Stores       []StoreSummary `json:"stores"`
}

// Summary returns counts and per-store state, ordered by store id.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	ids := make([]string, 0, len(o.records))
	recs := make(map[string]*record, len(o.records))
	for id, r := range o.records {
		ids = append(ids, id)
		recs[id] = r
	}
	o.mu.Unlock()
	sort.Strings(ids)

	var s Summary
	s.Stores = make([]StoreSummary, 0, len(ids))
	for _, id := range ids {
		r := recs[id]
		r.mu.Lock()
		ss := StoreSummary{
			StoreID:          id,
			Monitored:        r.monitored,
			FirstMonitoredAt: r.firstMonitoredAt,
			LastEnsuredAt:    r.lastEnsuredAt,
			LastStoppedAt:    r.lastStoppedAt,
		}
		r.mu.Unlock()
		if ss.FirstMonitoredAt.IsZero() && ss.LastStoppedAt == nil {
			// Never successfully monitored.
			continue
		}

		if c, ok := o.conns.Status(id); ok {
			ss.Status = c.Status
			ss.ReconnectAttempts = c.ReconnectAttempts
			ss.ErrorCount = c.ErrorCount
			ss.LastError = c.LastError
			if !c.LastActivityAt.IsZero() {
				at := c.LastActivityAt
				ss.LastActivityAt = &at
			}
		}
		if ss.Monitored {
			s.Monitored++
			switch ss.Status {
			case domain.StatusConnected:
				s.Connected++
			case domain.StatusError:
				s.Errored++
			default:
				s.Disconnected++
			}
		}
		s.Stores = append(s.Stores, ss)
	}
	return s
}

func (o *Orchestrator) record(storeID string) *record {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[storeID]
	if !ok {
		r = &record{}
		o.records[storeID] = r
	}
	return r
}

// lock returns storeID's record with its mutex held. A record forgotten
// while we waited is skipped in favour of the current one.
func (o *Orchestrator) lock(storeID string) *record {
	for {
		r := o.record(storeID)
		r.mu.Lock()
		o.mu.Lock()
		current := o.records[storeID] == r
		o.mu.Unlock()
		if current {
			return r
		}
		r.mu.Unlock()
	}
}

// forget drops a record that was never monitored. Caller holds r.mu.
func (o *Orchestrator) forget(storeID string, r *record) {
	if !r.firstMonitoredAt.IsZero() {
		return
	}
	o.mu.Lock()
	if o.records[storeID] == r {
		delete(o.records, storeID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) monitoredIDs() []string {
	o.mu.Lock()
	recs := make(map[string]*record, len(o.records))
	for id, r := range o.records {
		recs[id] = r
	}
	o.mu.Unlock()

	ids := make([]string, 0, len(recs))
	for id, r := range recs {
		r.mu.Lock()
		if r.monitored {
			ids = append(ids, id)
		}
		r.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// unwatch stops the store's current subscription, if any.
func (o *Orchestrator) unwatch(storeID string) {
	o.mu.Lock()
	var stop func()
	if r, ok := o.records[storeID]; ok {
		stop, r.stopWatch = r.stopWatch, nil
	}
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// rewatch moves the store's subscription onto a new handle.
func (o *Orchestrator) rewatch(storeID string, h conn.Handle) {
	if o.watcher == nil || h == nil {
		return
	}
	o.unwatch(storeID)

	stop, err := o.watcher.Watch(context.Background(), storeID, h)
	if err != nil {
		o.logger.Error("resubscribe after reconnect failed", "store_id", storeID, "error", err)
		return
	}
	o.mu.Lock()
	r, ok := o.records[storeID]
	if ok && r.stopWatch == nil {
		r.stopWatch = stop
		stop = nil
	}
	o.mu.Unlock()
	if stop != nil {
		stop()
		return
	}
	o.logger.Info("resubscribed after reconnect", "store_id", storeID)
}
