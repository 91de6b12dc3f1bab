package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
	"github.com/roach88/tenantsync/internal/queue"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handles resolves a store's current live handle. *conn.Manager implements it.
type Handles interface {
	Handle(storeID string) (conn.Handle, error)
}

type job struct {
	storeID string
	msg     domain.Message
}

// DispatchStats are running totals of the dispatcher.
type DispatchStats struct {
	Replied int64       `json:"replied"`
	Failed  int64       `json:"failed"`
	Active  int         `json:"activeConversations"`
	Queue   queue.Stats `json:"queue"`
}

// Dispatcher drains one queue per conversation in FIFO order, asks the
// Responder for a reply and commits it to the store. Each non-empty
// conversation has at most one drain goroutine.
//
// Thread-safety: all methods are safe for concurrent use.
type Dispatcher struct {
	queue     *queue.Manager[job]
	handles   Handles
	responder Responder
	agentID   string
	now       func() time.Time
	logger    *slog.Logger

	queueOpts []queue.Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]bool
	closed  bool
	replied int64
	failed  int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchAgentID sets the origin stamped on replies.
func WithDispatchAgentID(id string) DispatcherOption {
	return func(d *Dispatcher) { d.agentID = id }
}

// WithDispatchClock overrides time.Now for reply timestamps.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithQueueOptions passes options to the underlying queue.Manager.
func WithQueueOptions(opts ...queue.Option) DispatcherOption {
	return func(d *Dispatcher) { d.queueOpts = append(d.queueOpts, opts...) }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher whose conversation queues are bounded
// by cfg.
func NewDispatcher(cfg queue.Config, handles Handles, responder Responder, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handles:   handles,
		responder: responder,
		agentID:   DefaultAgentID,
		now:       time.Now,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = queue.NewManager[job](cfg, append([]queue.Option{queue.WithLogger(d.logger)}, d.queueOpts...)...)
	return d
}

// RunSweeper evicts stale queued messages on the queue's sweep interval
// until ctx is done.
func (d *Dispatcher) RunSweeper(ctx context.Context) error {
	return d.queue.Run(ctx)
}

// Submit queues msg for a reply. It returns queue.ErrQueueOverflow when the
// conversation is backlogged; the caller drops the message.
func (d *Dispatcher) Submit(storeID string, msg domain.Message) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}

	key := domain.ConversationKey(storeID, msg.ConversationID)
	if err := d.queue.Enqueue(key, job{storeID: domain.Canonical(storeID), msg: msg}); err != nil {
		return fmt.Errorf("conversation %s: %w", key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.active[key] {
		return nil
	}
	d.active[key] = true
	d.wg.Add(1)
	go d.drain(key)
	return nil
}

// Stats returns running totals and queue stats.
func (d *Dispatcher) Stats() DispatchStats {
	d.mu.Lock()
	s := DispatchStats{Replied: d.replied, Failed: d.failed, Active: len(d.active)}
	d.mu.Unlock()
	s.Queue = d.queue.Stats()
	return s
}

// Close stops accepting work, cancels in-flight replies and waits for the
// drain goroutines to exit. Queued messages are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		if d.ctx.Err() != nil {
			d.mu.Lock()
			delete(d.active, key)
			d.mu.Unlock()
			return
		}
		j, ok := d.queue.Dequeue(key)
		if !ok {
			d.mu.Lock()
			// Submit enqueues before checking active, so re-check under mu.
			if d.queue.HasMessages(key) && !d.closed {
				d.mu.Unlock()
				continue
			}
			delete(d.active, key)
			d.mu.Unlock()
			return
		}
		err := d.reply(j)

		d.mu.Lock()
		if err != nil {
			d.failed++
		} else {
			d.replied++
		}
		d.mu.Unlock()
		if err != nil {
			d.logger.Error("reply failed", "store_id", j.storeID, "record_id", j.msg.ID,
				"conversation_id", j.msg.ConversationID, "error", err)
		}
	}
}

func (d *Dispatcher) reply(j job) error {
	body, err := d.responder.Respond(d.ctx, Request{
		StoreID:        j.storeID,
		ConversationID: j.msg.ConversationID,
		Message:        j.msg,
	})
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	h, err := d.handles.Handle(j.storeID)
	if err != nil {
		return fmt.Errorf("resolve handle: %w", err)
	}
	reply := domain.Message{
		ID:             domain.ReplyID(j.storeID, j.msg.ID),
		ConversationID: j.msg.ConversationID,
		Role:           domain.RoleAssistant,
		Origin:         d.agentID,
		Body:           body,
		ReplyTo:        j.msg.ID,
		CreatedAt:      d.now().UTC(),
	}
	if err := h.Commit(d.ctx, reply); err != nil {
		return fmt.Errorf("commit reply: %w", err)
	}
	d.logger.Debug("reply committed", "store_id", j.storeID, "record_id", j.msg.ID, "reply_id", reply.ID)
	return nil
}
