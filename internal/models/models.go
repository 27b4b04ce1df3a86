package models

import (
	"time"
)

// Task lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Channel identifiers accepted at intake.
const (
	ChannelChat    = "chat"
	ChannelMiniApp = "miniapp"
)

// AudioMessage is one accepted voice clip. Rows are immutable and deleted
// explicitly once the owning task reaches a terminal status.
type AudioMessage struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	UserID       string    `json:"user_id"`
	ContentRef   string    `json:"content_ref"`
	Format       string    `json:"format"`
	SizeBytes    int64     `json:"size_bytes"`
	DurationSec  float64   `json:"duration_sec,omitempty"`
	LanguageHint string    `json:"language_hint,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Task links an AudioMessage to its single pipeline execution. Created by the
// intake handler, mutated only by the worker that dequeued it.
type Task struct {
	CorrelationID  string    `json:"correlation_id"`
	AudioMessageID string    `json:"audio_message_id"`
	UserID         string    `json:"user_id"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session conversation states.
const (
	StateIdle            = "idle"
	StateRecognizing     = "recognizing"
	StateAwaitingClarify = "awaiting_clarification"
	StateConfirming      = "confirming"
	StateExecuting       = "executing"
	StateCompleted       = "completed"
	StateAborted         = "aborted"
)

// Session is the per-user conversation state. One live row per user; only the
// worker holding the lease may write it.
type Session struct {
	UserID          string            `json:"user_id"`
	State           string            `json:"state"`
	PendingIntent   string            `json:"pending_intent,omitempty"`
	Entities        map[string]string `json:"entities,omitempty"`
	MissingEntities []string          `json:"missing_entities,omitempty"`
	Language        string            `json:"language"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LeaseOwner      *string           `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time        `json:"lease_expires_at,omitempty"`
}

// ConversationTurn is the append-only audit record of one processed clip.
type ConversationTurn struct {
	UserID       string            `json:"user_id"`
	TurnIndex    int               `json:"turn_index"`
	Transcript   string            `json:"transcript"`
	Intent       string            `json:"intent,omitempty"`
	Entities     map[string]string `json:"entities,omitempty"`
	ResponseText string            `json:"response_text"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// Delivery is the single response emitted for a correlation id.
type Delivery struct {
	CorrelationID string `json:"correlation_id"`
	Channel       string `json:"channel"`
	UserID        string `json:"user_id"`
	Text          string `json:"text"`
	AudioRef      string `json:"audio_ref,omitempty"`
}
