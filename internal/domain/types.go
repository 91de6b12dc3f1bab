package domain

import (
	"fmt"
	"time"
)

// StoreStatus is the lifecycle state of one tenant store connection.
type StoreStatus string

const (
	StatusConnecting   StoreStatus = "connecting"
	StatusConnected    StoreStatus = "connected"
	StatusDisconnected StoreStatus = "disconnected"
	StatusError        StoreStatus = "error"
)

// CanTransition reports whether a store may move from s to next.
// Any state may move to error; otherwise the cycle is
// connecting → connected → disconnected → connecting. An errored store may
// only be reopened or shut down.
func (s StoreStatus) CanTransition(next StoreStatus) bool {
	if next == StatusError {
		return true
	}
	switch s {
	case "":
		return next == StatusConnecting
	case StatusConnecting:
		return next == StatusConnected
	case StatusConnected:
		return next == StatusDisconnected
	case StatusDisconnected:
		return next == StatusConnecting
	case StatusError:
		return next == StatusConnecting || next == StatusDisconnected
	}
	return false
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one record of a tenant store's conversation feed.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Origin         string    `json:"origin,omitempty"`
	Body           string    `json:"body"`
	ReplyTo        string    `json:"replyTo,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Snapshot is the full current message list of one store, as delivered by the
// store engine on every change.
type Snapshot struct {
	StoreID  string    `json:"storeId"`
	Messages []Message `json:"messages"`
}

// Workspace is one entry of the authoritative workspace directory.
type Workspace struct {
	InstanceID string `json:"instanceId" yaml:"instanceId"`
	UserID     string `json:"userId,omitempty" yaml:"userId,omitempty"`
}

// ClaimKey identifies one scheduled occurrence of a task for one store.
type ClaimKey struct {
	TaskID        string
	ScheduledTime time.Time
	StoreID       string
}

// NewClaimKey builds a canonical ClaimKey. Scheduled times are truncated to
// milliseconds, which is the resolution they are persisted at.
func NewClaimKey(taskID string, scheduled time.Time, storeID string) ClaimKey {
	return ClaimKey{
		TaskID:        Canonical(taskID),
		ScheduledTime: scheduled.UTC().Truncate(time.Millisecond),
		StoreID:       Canonical(storeID),
	}
}

// String renders the key for logs.
func (k ClaimKey) String() string {
	return fmt.Sprintf("%s@%s/%s", k.TaskID, k.ScheduledTime.Format(time.RFC3339Nano), k.StoreID)
}
