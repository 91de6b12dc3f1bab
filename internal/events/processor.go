// Package events turns each store's snapshot-redelivering change feed into
// a stream of genuinely new messages and hands them to a dispatcher.
//
// A message is acted on at most once: it is marked processed in the
// persistent tracker before it is handed on. A crash between the two loses
// that message instead of answering it twice. Messages authored by this
// process are never acted on.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
)

// DefaultAgentID is the origin stamped on messages this process commits.
const DefaultAgentID = "tenantsync"

// Tracker is the persistent processed-message registry.
type Tracker interface {
	IsProcessed(ctx context.Context, storeID, recordID string) (bool, error)
	MarkProcessed(ctx context.Context, storeID, recordID string) (bool, error)
}

// Sink receives genuinely new messages. Submit must not block.
type Sink interface {
	Submit(storeID string, msg domain.Message) error
}

// Activity is told about every successful delivery. *conn.Manager
// implements it.
type Activity interface {
	RecordActivity(storeID string) error
}

// StoreStats are per-store counters for observability.
type StoreStats struct {
	StoreID        string     `json:"storeId"`
	Watching       bool       `json:"watching"`
	Deliveries     int        `json:"deliveries"`
	Messages       int        `json:"messages"`
	Processed      int        `json:"processed"`
	SelfAuthored   int        `json:"selfAuthored"`
	Duplicates     int        `json:"duplicates"`
	Dropped        int        `json:"dropped"`
	LastDeliveryAt *time.Time `json:"lastDeliveryAt,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// cursor is the last record handed on in a conversation, in processing
// order (CreatedAt, then ID).
type cursor struct {
	at time.Time
	id string
}

func (c cursor) covers(msg domain.Message) bool {
	if msg.CreatedAt.Equal(c.at) {
		return msg.ID <= c.id
	}
	return msg.CreatedAt.Before(c.at)
}

type storeState struct {
	mu        sync.Mutex // serialises deliveries for one store
	highwater map[string]cursor
	stats     StoreStats
	watchers  int
}

// Processor filters change feeds and forwards new messages to a Sink.
//
// Thread-safety: all methods are safe for concurrent use. Deliveries for one
// store are processed one at a time.
type Processor struct {
	tracker Tracker
	sink    Sink
	agentID string
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	onDrop  func(storeID string, err error)
	active  Activity

	mu     sync.Mutex
	stores map[string]*storeState
}

// Option configures a Processor.
type Option func(*Processor)

// WithAgentID sets the origin that marks a message as self-authored.
func WithAgentID(id string) Option {
	return func(p *Processor) { p.agentID = id }
}

// WithMaxAge ignores messages older than d at delivery time. Zero disables
// the cutoff.
func WithMaxAge(d time.Duration) Option {
	return func(p *Processor) { p.maxAge = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithDropHook is called whenever the sink rejects a message.
func WithDropHook(fn func(storeID string, err error)) Option {
	return func(p *Processor) { p.onDrop = fn }
}

// WithActivity stamps store activity on every successful delivery.
func WithActivity(a Activity) Option {
	return func(p *Processor) { p.active = a }
}

// NewProcessor creates a Processor.
func NewProcessor(tracker Tracker, sink Sink, opts ...Option) *Processor {
	p := &Processor{
		tracker: tracker,
		sink:    sink,
		agentID: DefaultAgentID,
		now:     time.Now,
		logger:  slog.Default(),
		stores:  make(map[string]*storeState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch subscribes to h's change feed. The returned stop function
// unsubscribes; it is safe to call more than once.
func (p *Processor) Watch(ctx context.Context, storeID string, h conn.Handle) (func(), error) {
	storeID = domain.Canonical(storeID)
	st := p.state(storeID)

	unsubscribe, err := h.Subscribe(func(snap domain.Snapshot, err error) {
		p.deliver(storeID, st, snap, err)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", storeID, err)
	}

	st.mu.Lock()
	st.watchers++
	st.stats.Watching = true
	st.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			st.mu.Lock()
			st.watchers--
			st.stats.Watching = st.watchers > 0
			st.mu.Unlock()
		})
	}, nil
}

// Stats returns per-store counters ordered by store id.
func (p *Processor) Stats() []StoreStats {
	p.mu.Lock()
	states := make([]*storeState, 0, len(p.stores))
	for _, st := range p.stores {
		states = append(states, st)
	}
	p.mu.Unlock()

	out := make([]StoreStats, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.stats)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out
}

func (p *Processor) state(storeID string) *storeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stores[storeID]
	if !ok {
		st = &storeState{
			highwater: make(map[string]cursor),
			stats:     StoreStats{StoreID: storeID},
		}
		p.stores[storeID] = st
	}
	return st
}

// deliver handles one full snapshot. Failures are recorded against this
// store only.
func (p *Processor) deliver(storeID string, st *storeState, snap domain.Snapshot, deliveryErr error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := p.now()
	st.stats.Deliveries++
	st.stats.LastDeliveryAt = &now
	if deliveryErr != nil {
		st.stats.Error = deliveryErr.Error()
		p.logger.Warn("change feed error", "store_id", storeID, "error", deliveryErr)
		return
	}
	st.stats.Messages = len(snap.Messages)
	st.stats.Error = ""
	if p.active != nil {
		if err := p.active.RecordActivity(storeID); err != nil {
			p.logger.Debug("activity not recorded", "store_id", storeID, "error", err)
		}
	}

	candidates := make([]domain.Message, 0)
	for _, msg := range snap.Messages {
		if at := msg.CreatedAt; st.stats.LastMessageAt == nil || at.After(*st.stats.LastMessageAt) {
			st.stats.LastMessageAt = &at
		}
		if p.selfAuthored(msg) {
			st.stats.SelfAuthored++
			continue
		}
		if msg.Role != domain.RoleUser && msg.Role != domain.RoleSystem {
			continue
		}
		if p.maxAge > 0 && msg.CreatedAt.Before(now.Add(-p.maxAge)) {
			continue
		}
		if hw, ok := st.highwater[msg.ConversationID]; ok && hw.covers(msg) {
			continue
		}
		candidates = append(candidates, msg)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	ctx := context.Background()
	for _, msg := range candidates {
		done, err := p.tracker.IsProcessed(ctx, storeID, msg.ID)
		if err != nil {
			p.recordErr(st, storeID, msg.ID, err)
			continue
		}
		if done {
			st.stats.Duplicates++
			p.advance(st, msg)
			continue
		}
		won, err := p.tracker.MarkProcessed(ctx, storeID, msg.ID)
		if err != nil {
			p.recordErr(st, storeID, msg.ID, err)
			continue
		}
		p.advance(st, msg)
		if !won {
			st.stats.Duplicates++
			continue
		}

		st.stats.Processed++
		if err := p.sink.Submit(storeID, msg); err != nil {
			st.stats.Dropped++
			p.logger.Warn("dropping message", "store_id", storeID, "record_id", msg.ID,
				"conversation_id", msg.ConversationID, "error", err)
			if p.onDrop != nil {
				p.onDrop(storeID, err)
			}
		}
	}
}

func (p *Processor) selfAuthored(msg domain.Message) bool {
	return msg.Role == domain.RoleAssistant || (p.agentID != "" && msg.Origin == p.agentID)
}

func (p *Processor) advance(st *storeState, msg domain.Message) {
	if hw, ok := st.highwater[msg.ConversationID]; !ok || !hw.covers(msg) {
		st.highwater[msg.ConversationID] = cursor{at: msg.CreatedAt, id: msg.ID}
	}
}

func (p *Processor) recordErr(st *storeState, storeID, recordID string, err error) {
	st.stats.Error = err.Error()
	p.logger.Error("tracker failure", "store_id", storeID, "record_id", recordID, "error", err)
}
