package models

import (
	"time"

	"agent-task-queue/internal/contract"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_letter"
)

// TerminalStatuses lists states no transition leaves.
var TerminalStatuses = map[string]bool{
	StatusSucceeded:  true,
	StatusFailed:     true,
	StatusCancelled:  true,
	StatusDeadLetter: true,
}

// Job is a persisted agent task. A job is runnable when status is queued,
// next_attempt_at has passed and no live lease is held on it.
type Job struct {
	ID              string                `json:"id"`
	Type            string                `json:"type"`
	Status          string                `json:"status"`
	Priority        int                   `json:"priority"`
	AffinityKey     *string               `json:"affinity_key,omitempty"`
	Payload         contract.TaskPayload  `json:"payload"`
	AttemptCount    int                   `json:"attempt_count"`
	MaxAttempts     int                   `json:"max_attempts"`
	NextAttemptAt   *time.Time            `json:"next_attempt_at,omitempty"`
	LeaseOwner      *string               `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time            `json:"lease_expires_at,omitempty"`
	CancelRequested bool                  `json:"cancel_requested"`
	CancelReason    *string               `json:"cancel_reason,omitempty"`
	ResultSummary   *string               `json:"result_summary,omitempty"`
	ErrorMessage    *string               `json:"error_message,omitempty"`
	IdempotencyKey  *string               `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
}

// HasLiveLease reports whether the job holds an unexpired lease at now.
func (j Job) HasLiveLease(now time.Time) bool {
	return j.LeaseOwner != nil && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// Stage event phases.
const (
	PhaseStart  = "start"
	PhaseFinish = "finish"
	PhaseError  = "error"
)

// StageEvent is an append-only progress record for one stage of a job.
// Seq is a store-wide monotonic cursor used for pagination.
type StageEvent struct {
	Seq       int64          `json:"seq"`
	JobID     string         `json:"job_id"`
	Stage     string         `json:"stage"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Artifact is a file produced by a job run, stored locally or in S3.
type Artifact struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Digest      string    `json:"digest,omitempty"`
	StorageKey  string    `json:"storage_key"`
	CreatedAt   time.Time `json:"created_at"`
}
