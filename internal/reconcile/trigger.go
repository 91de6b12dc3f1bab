package reconcile

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the minimum spacing between manual triggers.
const DefaultMinInterval = 60 * time.Second

// Trigger is the manual entry point: a Reconciler guarded by a minimum
// interval between accepted triggers.
type Trigger struct {
	rec     *Reconciler
	limiter *rate.Limiter
	now     func() time.Time
}

// TriggerOption configures a Trigger.
type TriggerOption func(*Trigger)

// WithTriggerClock overrides time.Now for the rate limiter.
func WithTriggerClock(now func() time.Time) TriggerOption {
	return func(t *Trigger) { t.now = now }
}

// NewTrigger allows one trigger per minInterval.
func NewTrigger(rec *Reconciler, minInterval time.Duration, opts ...TriggerOption) *Trigger {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	t := &Trigger{
		rec:     rec,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fire runs a reconcile now. It fails with *RateLimitedError when the last
// accepted trigger is younger than the minimum interval and with
// ErrAlreadyInProgress when a run is executing. A trigger that finds a run
// in progress does not count against the interval.
func (t *Trigger) Fire(ctx context.Context) (*Result, error) {
	now := t.now()
	res := t.limiter.ReserveN(now, 1)
	if !res.OK() {
		return nil, &RateLimitedError{RetryAfter: time.Second}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return nil, &RateLimitedError{RetryAfter: delay}
	}

	result, err := t.rec.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		res.CancelAt(now)
		return nil, ErrAlreadyInProgress
	}
	return result, nil
}
