// Package reconcile keeps the monitored set equal to the workspace
// directory.
//
// A run lists the directory and the monitored set, then ensures every
// missing store and stops every extra one. Failures are recorded per store
// and never abort the run. At most one run executes at a time; a caller
// arriving mid-run is told the run was skipped instead of waiting.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tenantsync/internal/domain"
)

// Directory is the authoritative list of workspaces.
type Directory interface {
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)
}

// Monitor is the monitored set the reconciler corrects.
type Monitor interface {
	ListMonitored() []string
	EnsureMonitored(ctx context.Context, storeID string) (bool, error)
	StopMonitoring(ctx context.Context, storeID string) (bool, error)
}

// Recorder observes finished runs. Skipped runs are not reported.
type Recorder interface {
	RecordReconcile(ctx context.Context, res *Result, err error)
}

// Result is the immutable outcome of one run.
type Result struct {
	Added              []string      `json:"added"`
	Removed            []string      `json:"removed"`
	FailedAdds         []ItemFailure `json:"failedAdds"`
	FailedRemovals     []ItemFailure `json:"failedRemovals"`
	AuthoritativeCount int           `json:"authoritativeCount"`
	MonitoredCount     int           `json:"monitoredCount"`
	DriftCount         int           `json:"driftCount"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"duration"`
}

// Status reports running totals for observability.
type Status struct {
	Running     bool       `json:"running"`
	Runs        int        `json:"runs"`
	Failures    int        `json:"failures"`
	FailedItems int        `json:"failedItems"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	LastResult  *Result    `json:"lastResult,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Reconciler diffs a Directory against a Monitor.
//
// Thread-safety: all methods are safe for concurrent use.
type Reconciler struct {
	dir      Directory
	mon      Monitor
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder

	running atomic.Bool

	mu     sync.Mutex
	done   chan struct{} // closed when the in-flight run ends
	status Status
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithRecorder reports every finished run to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// New creates a Reconciler.
func New(dir Directory, mon Monitor, opts ...Option) *Reconciler {
	r := &Reconciler{
		dir:    dir,
		mon:    mon,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile performs one run. It returns (nil, nil) without doing anything
// when another run is in progress. An error means the directory could not
// be listed; per-store failures are reported in the Result instead.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		r.logger.Debug("reconcile skipped, run in progress")
		return nil, nil
	}
	done := make(chan struct{})
	r.done = done
	r.running.Store(true)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.done = nil
		r.running.Store(false)
		r.mu.Unlock()
		close(done)
	}()

	started := r.now()
	res, err := r.run(ctx, started)

	r.mu.Lock()
	r.status.Runs++
	r.status.LastRunAt = &started
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
	} else {
		r.status.LastResult = res
		r.status.LastError = ""
		r.status.FailedItems += len(res.FailedAdds) + len(res.FailedRemovals)
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordReconcile(ctx, res, err)
	}
	if err != nil {
		r.logger.Error("reconcile failed", "error", err)
		return nil, err
	}
	r.logger.Info("reconcile finished",
		"added", len(res.Added),
		"removed", len(res.Removed),
		"failed_adds", len(res.FailedAdds),
		"failed_removals", len(res.FailedRemovals),
		"drift", res.DriftCount,
		"duration", res.Duration,
	)
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, started time.Time) (*Result, error) {
	workspaces, err := r.dir.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	monitored := r.mon.ListMonitored()

	// Directory order, first occurrence wins.
	authoritative := make([]string, 0, len(workspaces))
	inDirectory := make(map[string]bool, len(workspaces))
	for _, ws := range workspaces {
		id := domain.Canonical(ws.InstanceID)
		if id == "" || inDirectory[id] {
			continue
		}
		inDirectory[id] = true
		authoritative = append(authoritative, id)
	}
	isMonitored := make(map[string]bool, len(monitored))
	for _, id := range monitored {
		isMonitored[id] = true
	}

	res := &Result{
		Added:              []string{},
		Removed:            []string{},
		FailedAdds:         []ItemFailure{},
		FailedRemovals:     []ItemFailure{},
		AuthoritativeCount: len(authoritative),
		MonitoredCount:     len(monitored),
		StartedAt:          started,
	}

	for _, id := range authoritative {
		if isMonitored[id] {
			continue
		}
		if _, err := r.mon.EnsureMonitored(ctx, id); err != nil {
			r.logger.Warn("reconcile add failed", "store_id", id, "error", err)
			res.FailedAdds = append(res.FailedAdds, ItemFailure{StoreID: id, Message: err.Error(), Err: err})
			continue
		}
		res.Added = append(res.Added, id)
	}
	for _, id := range monitored {
		if inDirectory[id] {
			continue
		}
		if _, err := r.mon.StopMonitoring(ctx, id); err != nil {
			r.logger.Warn("reconcile remove failed", "store_id", id, "error", err)
			res.FailedRemovals = append(res.FailedRemovals, ItemFailure{StoreID: id, Message: err.Error(), Err: err})
			continue
		}
		res.Removed = append(res.Removed, id)
	}

	res.DriftCount = len(res.Added) + len(res.Removed) + len(res.FailedAdds) + len(res.FailedRemovals)
	res.Duration = r.now().Sub(started)
	return res, nil
}

// ReconcileFresh makes sure a run starting after the call happens. A run
// already executing is waited for first. If the following attempt is
// skipped, the run that beat it started after the call, so ReconcileFresh
// returns (nil, nil) without waiting again.
func (r *Reconciler) ReconcileFresh(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Reconcile(ctx)
}

// InProgress reports whether a run is executing.
func (r *Reconciler) InProgress() bool {
	return r.running.Load()
}

// Status returns running totals and the last result.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Running = r.running.Load()
	return s
}

// Run reconciles once immediately and then every interval until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
