package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/tenantsync/internal/domain"
)

// Request is what a Responder is asked to answer.
type Request struct {
	StoreID        string         `json:"storeId"`
	ConversationID string         `json:"conversationId"`
	Message        domain.Message `json:"message"`
}

// Responder produces the reply body for one message.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// EchoResponder replies with the message body behind a prefix. It is the
// responder used when no external one is configured.
type EchoResponder struct {
	Prefix string
}

// Respond implements Responder.
func (e EchoResponder) Respond(ctx context.Context, req Request) (string, error) {
	return e.Prefix + req.Message.Body, nil
}

// HTTPResponder posts the Request as JSON and expects {"reply": "..."}.
type HTTPResponder struct {
	URL    string
	Client *http.Client
}

// NewHTTPResponder creates an HTTPResponder with a bounded client timeout.
func NewHTTPResponder(url string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResponder{URL: url, Client: &http.Client{Timeout: timeout}}
}

type responderReply struct {
	Reply string `json:"reply"`
}

// Respond implements Responder.
func (r *HTTPResponder) Respond(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", r.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("responder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out responderReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if strings.TrimSpace(out.Reply) == "" {
		return "", fmt.Errorf("responder returned an empty reply")
	}
	return out.Reply, nil
}
