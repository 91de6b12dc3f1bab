package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/tenantsync/internal/domain"
	"github.com/roach88/tenantsync/internal/reconcile"
)

// Webhook events.
const (
	EventWorkspaceCreated = "workspace.created"
	EventWorkspaceDeleted = "workspace.deleted"
)

// Webhook outcomes.
const (
	StatusMonitoringStarted = "monitoring_started"
	StatusAlreadyMonitored  = "already_monitored"
	StatusMonitoringStopped = "monitoring_stopped"
	StatusAlreadyStopped    = "already_stopped"
)

const maxBodyBytes = 64 << 10

//go:embed schema/webhook.json
var schemaFS embed.FS

func compileWebhookSchema() (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schema/webhook.json")
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("webhook.json", doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	return c.Compile("webhook.json")
}

// WebhookEvent is the body of POST /api/webhooks/workspace.
type WebhookEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	UserID     string `json:"userId"`
	Timestamp  string `json:"timestamp"`
}

type reconcileResponse struct {
	Status      string            `json:"status"`
	DurationMs  int64             `json:"durationMs"`
	Result      *reconcile.Result `json:"result"`
	DriftCount  int               `json:"driftCount"`
	TriggeredAt string            `json:"triggeredAt"`
}

type webhookResponse struct {
	Status     string `json:"status"`
	ReceivedAt string `json:"receivedAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	triggeredAt := s.now().UTC()
	res, err := s.deps.Trigger.Fire(r.Context())

	var limited *reconcile.RateLimitedError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
		return
	case errors.Is(err, reconcile.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "already_in_progress", err.Error())
		return
	case err != nil:
		s.logger.Error("manual reconcile failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reconcile_failed", "reconciliation failed")
		return
	}

	writeJSON(w, http.StatusOK, reconcileResponse{
		Status:      "completed",
		DurationMs:  res.Duration.Milliseconds(),
		Result:      res,
		DriftCount:  res.DriftCount,
		TriggeredAt: triggeredAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleWorkspaceWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
		return
	}
	ev, err := s.decodeWebhook(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	receivedAt := s.now().UTC()
	storeID := domain.Canonical(ev.InstanceID)
	ctx := r.Context()

	var status string
	switch ev.Event {
	case EventWorkspaceCreated:
		if s.deps.Directory != nil {
			if err := s.deps.Directory.Upsert(ctx, domain.Workspace{InstanceID: storeID, UserID: ev.UserID}); err != nil {
				s.logger.Error("directory upsert failed", "store_id", storeID, "error", err)
				writeError(w, http.StatusInternalServerError, "directory_failed", "failed to record workspace")
				return
			}
		}
		already, err := s.deps.Monitor.EnsureMonitored(ctx, storeID)
		if err != nil {
			s.logger.Error("webhook ensure monitored failed", "store_id", storeID, "error", err)
			writeError(w, http.StatusInternalServerError, "monitor_failed", "failed to start monitoring")
			return
		}
		status = StatusMonitoringStarted
		if already {
			status = StatusAlreadyMonitored
		}
	case EventWorkspaceDeleted:
		if s.deps.Directory != nil {
			if err := s.deps.Directory.MarkDeleted(ctx, storeID); err != nil {
				s.logger.Error("directory mark deleted failed", "store_id", storeID, "error", err)
				writeError(w, http.StatusInternalServerError, "directory_failed", "failed to record workspace")
				return
			}
		}
		already, err := s.deps.Monitor.StopMonitoring(ctx, storeID)
		if err != nil {
			// The store has left the monitored set even when its disconnect failed.
			s.logger.Warn("webhook stop monitoring reported an error", "store_id", storeID, "error", err)
		}
		status = StatusMonitoringStopped
		if already {
			status = StatusAlreadyStopped
		}
	}

	s.logger.Info("workspace webhook handled", "event", ev.Event, "store_id", storeID, "status", status)
	writeJSON(w, http.StatusOK, webhookResponse{Status: status, ReceivedAt: receivedAt.Format(time.RFC3339Nano)})
}

func (s *Server) decodeWebhook(r *http.Request) (WebhookEvent, error) {
	var ev WebhookEvent
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return ev, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return ev, errors.New("body too large")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return ev, errors.New("body is not valid JSON")
	}
	if err := s.webhook.Validate(inst); err != nil {
		return ev, fmt.Errorf("invalid webhook body: %v", err)
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, errors.New("body is not valid JSON")
	}
	return ev, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
