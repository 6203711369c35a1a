package models

import (
	"time"
)

// Job lifecycle states kept in the cache and the ledger.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Result envelope statuses on the wire.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// JobEnvelope is the message published to the request queue. Immutable once
// published.
type JobEnvelope struct {
	CorrelationID string            `json:"correlationId"`
	Section       string            `json:"section"`
	Content       string            `json:"content"`
	Context       map[string]string `json:"context"`
	Parameters    map[string]any    `json:"parameters"`
	Timestamp     time.Time         `json:"timestamp"`
}

// ResultEnvelope is the message published to the result queue once a job has
// reached a terminal outcome.
type ResultEnvelope struct {
	CorrelationID string             `json:"correlationId"`
	Status        string             `json:"status"`
	Result        *EnhancementResult `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// EnhancementResult is the opaque payload produced by the enhancement
// collaborator. The orchestration core does not interpret its contents beyond
// size and existence.
type EnhancementResult struct {
	Original string         `json:"original"`
	Enhanced string         `json:"enhanced"`
	Metadata map[string]any `json:"metadata"`
}

// JobRecord is the live job state held in the cache, keyed by correlation ID.
type JobRecord struct {
	CorrelationID       string             `json:"correlationId"`
	Status              string             `json:"status"`
	Progress            int                `json:"progress"`
	CreatedAt           time.Time          `json:"created_at"`
	ProcessingStartedAt *time.Time         `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	FailedAt            *time.Time         `json:"failed_at,omitempty"`
	Result              *EnhancementResult `json:"result,omitempty"`
	Error               string             `json:"error,omitempty"`
}

// JobStatus is the single response shape returned to pollers, regardless of
// whether the cache or the ledger answered.
type JobStatus struct {
	CorrelationID string             `json:"correlationId"`
	Status        string             `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Result        *EnhancementResult `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Terminal reports whether a status is one of the two end states.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
