// Package syncclient connects to tenant stores over the sync server's
// websocket protocol.
//
// The client dials {base}/stores/{storeID}/sync with a bearer token. The
// server pushes the full message list of the store on connect and after
// every change:
//
//	{"type":"snapshot","messages":[...]}
//	{"type":"error","error":"..."}
//
// The client writes messages with:
//
//	{"type":"commit","message":{...}}
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/domain"
)

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameCommit   = "commit"
	FrameError    = "error"
)

// DefaultReadLimit bounds one snapshot frame.
const DefaultReadLimit = 16 << 20

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("sync server rejected credentials")

// Frame is one websocket message in either direction.
type Frame struct {
	Type     string           `json:"type"`
	Messages []domain.Message `json:"messages,omitempty"`
	Message  *domain.Message  `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Config locates the sync server.
type Config struct {
	URL          string
	Token        string
	ReadLimit    int64
	WriteTimeout time.Duration
}

// Client opens websocket handles. It implements conn.Engine.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Client. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// StoreURL returns the sync endpoint of storeID.
func (c *Client) StoreURL(storeID string) string {
	return strings.TrimRight(c.cfg.URL, "/") + "/stores/" + url.PathEscape(storeID) + "/sync"
}

// Open dials the store and starts reading its feed.
func (c *Client) Open(ctx context.Context, storeID string) (conn.Handle, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := websocket.Dial(ctx, c.StoreURL(storeID), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: store %s: status %d", ErrUnauthorized, storeID, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial store %s: %w", storeID, err)
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		storeID:      storeID,
		ws:           ws,
		logger:       c.logger.With("store_id", storeID),
		writeTimeout: c.cfg.WriteTimeout,
		cancel:       cancel,
		done:         make(chan struct{}),
		subs:         make(map[int]func(domain.Snapshot, error)),
	}
	go h.readLoop(readCtx)
	return h, nil
}

type handle struct {
	storeID      string
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	cancel       context.CancelFunc
	done         chan struct{}

	deliverMu sync.Mutex // deliveries are serial per handle

	mu      sync.Mutex
	subs    map[int]func(domain.Snapshot, error)
	nextSub int
	netFns  []func(bool)
	last    *domain.Snapshot
	closed  bool
	lost    bool
}

// Subscribe registers fn and replays the latest snapshot to it, if any.
func (h *handle) Subscribe(fn func(domain.Snapshot, error)) (func(), error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, conn.ErrNotConnected
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	last := h.last
	h.mu.Unlock()

	if last != nil {
		fn(*last, nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

func (h *handle) Commit(ctx context.Context, msg domain.Message) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return conn.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, h.ws, Frame{Type: FrameCommit, Message: &msg}); err != nil {
		return fmt.Errorf("commit to %s: %w", h.storeID, err)
	}
	return nil
}

// OnNetworkChange registers fn. If the transport already dropped, fn is
// told immediately so a loss during Open is never missed.
func (h *handle) OnNetworkChange(fn func(bool)) {
	h.mu.Lock()
	h.netFns = append(h.netFns, fn)
	lost := h.lost && !h.closed
	h.mu.Unlock()
	if lost {
		fn(false)
	}
}

func (h *handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.subs = make(map[int]func(domain.Snapshot, error))
	h.mu.Unlock()

	err := h.ws.Close(websocket.StatusNormalClosure, "closing")
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("close %s: %w", h.storeID, err)
	}
	return nil
}

func (h *handle) readLoop(ctx context.Context) {
	defer close(h.done)
	for {
		var f Frame
		if err := wsjson.Read(ctx, h.ws, &f); err != nil {
			h.mu.Lock()
			closed := h.closed
			h.lost = true
			fns := append([]func(bool){}, h.netFns...)
			h.mu.Unlock()
			if closed {
				return
			}
			h.logger.Warn("sync connection lost", "error", err)
			for _, fn := range fns {
				fn(false)
			}
			return
		}

		switch f.Type {
		case FrameSnapshot:
			msgs := append([]domain.Message(nil), f.Messages...)
			sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
			h.deliver(domain.Snapshot{StoreID: h.storeID, Messages: msgs}, nil)
		case FrameError:
			h.deliver(domain.Snapshot{StoreID: h.storeID}, fmt.Errorf("sync server: %s", f.Error))
		default:
			h.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (h *handle) deliver(snap domain.Snapshot, err error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if err == nil {
		h.last = &snap
	}
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(domain.Snapshot, error), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(snap, err)
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return strings.Contains(err.Error(), "already wrote close")
}
