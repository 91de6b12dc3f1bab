// Package scheduler runs recurring tasks against monitored stores at most
// once per scheduled occurrence.
//
// Every tick, each (task, store) pair whose next execution time has passed
// is claimed in the execution tracker under (taskID, scheduledTime,
// storeID). Only the claim winner commits the task prompt into the store. A
// lost claim means another runner already handled the occurrence.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
)

// Tracker persists claims and next execution times. *store.Store
// implements it.
type Tracker interface {
	Claim(ctx context.Context, key domain.ClaimKey) (bool, error)
	NextExecution(ctx context.Context, storeID, taskID string) (time.Time, bool, error)
	SetNextExecution(ctx context.Context, storeID, taskID string, next time.Time) error
}

// Stores lists the stores tasks run against.
type Stores interface {
	ListMonitored() []string
}

// Handles resolves a store's live handle.
type Handles interface {
	Handle(storeID string) (conn.Handle, error)
}

// ClaimRecorder observes claim outcomes.
type ClaimRecorder interface {
	RecordClaim(ctx context.Context, won bool)
}

// TickResult counts what one tick did.
type TickResult struct {
	Executed int `json:"executed"`
	Seeded   int `json:"seeded"`
	NotDue   int `json:"notDue"`
	Lost     int `json:"lost"`
	Failed   int `json:"failed"`
}

// Scheduler executes due tasks.
//
// Thread-safety: Tick may be called concurrently; the tracker's claims keep
// executions at most once.
type Scheduler struct {
	tasks    []Task
	tracker  Tracker
	stores   Stores
	handles  Handles
	ids      domain.IDGenerator
	now      func() time.Time
	logger   *slog.Logger
	recorder ClaimRecorder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithIDGenerator sets the generator for committed message ids.
func WithIDGenerator(g domain.IDGenerator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithClaimRecorder reports claim outcomes to r.
func WithClaimRecorder(r ClaimRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// New creates a Scheduler for tasks.
func New(tasks []Task, tracker Tracker, stores Stores, handles Handles, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   tasks,
		tracker: tracker,
		stores:  stores,
		handles: handles,
		ids:     domain.UUIDv7Generator{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tasks returns the configured tasks.
func (s *Scheduler) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

// Tick runs every due (task, store) pair once. A pair seen for the first
// time is scheduled one interval from now rather than run immediately.
// Failures are counted and logged per pair.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := s.now()
	stores := s.stores.ListMonitored()

	for _, task := range s.tasks {
		if !task.Enabled {
			continue
		}
		for _, storeID := range stores {
			if ctx.Err() != nil {
				return res
			}
			if !task.Targets(storeID) {
				continue
			}
			s.tickOne(ctx, task, storeID, now, &res)
		}
	}
	if res.Executed > 0 || res.Failed > 0 {
		s.logger.Info("scheduler tick",
			"executed", res.Executed, "seeded", res.Seeded, "lost", res.Lost, "failed", res.Failed)
	}
	return res
}

func (s *Scheduler) tickOne(ctx context.Context, task Task, storeID string, now time.Time, res *TickResult) {
	log := s.logger.With("task_id", task.ID, "store_id", storeID)

	next, ok, err := s.tracker.NextExecution(ctx, storeID, task.ID)
	if err != nil {
		res.Failed++
		log.Error("read next execution", "error", err)
		return
	}
	if !ok {
		if err := s.tracker.SetNextExecution(ctx, storeID, task.ID, now.Add(task.Interval)); err != nil {
			res.Failed++
			log.Error("seed next execution", "error", err)
			return
		}
		res.Seeded++
		return
	}
	if next.After(now) {
		res.NotDue++
		return
	}

	won, err := s.tracker.Claim(ctx, domain.NewClaimKey(task.ID, next, storeID))
	if err != nil {
		res.Failed++
		log.Error("claim occurrence", "scheduled_at", next, "error", err)
		return
	}
	if s.recorder != nil {
		s.recorder.RecordClaim(ctx, won)
	}

	if won {
		if err := s.execute(ctx, task, storeID, now); err != nil {
			// The occurrence stays claimed: at most once.
			res.Failed++
			log.Error("execute task", "scheduled_at", next, "error", err)
		} else {
			res.Executed++
		}
	} else {
		res.Lost++
		log.Debug("occurrence already claimed", "scheduled_at", next)
	}

	// A lost claim also advances the schedule, so a runner that claimed and
	// then died cannot leave this pair stuck on an occurrence nobody can win.
	if err := s.tracker.SetNextExecution(ctx, storeID, task.ID, now.Add(task.Interval)); err != nil {
		res.Failed++
		log.Error("advance next execution", "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, task Task, storeID string, now time.Time) error {
	h, err := s.handles.Handle(storeID)
	if err != nil {
		return err
	}
	return h.Commit(ctx, domain.Message{
		ID:             s.ids.Generate(),
		ConversationID: task.ConversationID,
		Role:           domain.RoleSystem,
		Origin:         "scheduler:" + task.ID,
		Body:           task.Prompt,
		CreatedAt:      now.UTC(),
	})
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
