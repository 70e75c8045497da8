package store

import (
	"context"
	"errors"
	"time"

	"agent-task-queue/internal/contract"
	"agent-task-queue/internal/models"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrArtifactExists    = errors.New("artifact name already written for job")
	ErrLeaseMismatch     = errors.New("lease not held by caller")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Priority       int
	AffinityKey    string
	Payload        contract.TaskPayload
	Capabilities   []string
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// ListJobsFilter narrows ListJobs output. Zero values mean no filter.
type ListJobsFilter struct {
	Status     string
	Type       string
	Repository string
	Limit      int
}

// ClaimParams describes one claim attempt by a worker. Empty AllowedTypes
// means any job type.
type ClaimParams struct {
	WorkerID     string
	AllowedTypes []string
	Capabilities []string
	LeaseTTL     time.Duration
	Now          time.Time
}

// ClaimOutcome reports the claim result. Job is nil when nothing was
// claimable or when claims are paused; Pause always carries the current
// pause state so workers can surface it. Requeued and DeadLettered list
// jobs whose expired leases were normalized during this claim. When claims
// are paused the claim performs no store mutation at all, so both lists
// are always empty in that case.
type ClaimOutcome struct {
	Job          *models.Job
	Pause        models.PauseState
	Requeued     []string
	DeadLettered []string
}

// FailJobParams describes a failure report from a lease holder.
type FailJobParams struct {
	JobID        string
	WorkerID     string
	ErrorMessage string
	Retryable    bool
	// NextAttemptAt is the retry time when the failure is retryable and
	// attempts remain. Computed by the caller so backoff policy lives in
	// one place.
	NextAttemptAt time.Time
	Now           time.Time
}

// SubmitProposalParams carries a deduplicated proposal insert or merge.
type SubmitProposalParams struct {
	Repository             string
	Title                  string
	NormalizedTitle        string
	DedupHash              string
	Body                   string
	Targets                []string
	SignalTags             []string
	ReviewPriority         string
	PriorityOverrideReason *string
	SourceJobID            *string
}

// Store is the persistence boundary. The Postgres implementation backs
// production; the in-memory one backs tests and single-process runs.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f ListJobsFilter) ([]models.Job, error)

	// Lease lifecycle. ClaimNext checks the pause gate, normalizes expired
	// leases and claims one runnable job, all under one transaction.
	ClaimNext(ctx context.Context, p ClaimParams) (ClaimOutcome, error)
	Heartbeat(ctx context.Context, jobID, workerID string, leaseTTL time.Duration, now time.Time) (models.Job, models.PauseState, error)
	CompleteJob(ctx context.Context, jobID, workerID, resultSummary string, now time.Time) (models.Job, error)
	FailJob(ctx context.Context, p FailJobParams) (models.Job, error)
	// RequestCancel cancels a queued job outright and flags a running one
	// for cooperative cancellation. Returns the updated job.
	RequestCancel(ctx context.Context, jobID, reason string, now time.Time) (models.Job, error)

	// Stage events.
	AppendStageEvent(ctx context.Context, ev models.StageEvent) (models.StageEvent, error)
	ListStageEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.StageEvent, error)

	// Artifacts.
	CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error)
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error)

	// Pause controller.
	GetPauseState(ctx context.Context) (models.PauseState, error)
	SetPauseState(ctx context.Context, paused bool, mode, reason, actor string, now time.Time) (models.PauseState, error)
	AppendControlEvent(ctx context.Context, ev models.ControlEvent) (models.ControlEvent, error)
	ListControlEvents(ctx context.Context, limit int) ([]models.ControlEvent, error)

	// QueueMetrics returns queued, running and stale-running (lease
	// already expired) counts.
	QueueMetrics(ctx context.Context, now time.Time) (queued, running, staleRunning int64, err error)

	// Proposals.
	SubmitProposal(ctx context.Context, p SubmitProposalParams, now time.Time) (models.Proposal, bool, error)
	GetProposal(ctx context.Context, id string) (models.Proposal, error)
	ListProposals(ctx context.Context, status string, limit int) ([]models.Proposal, error)
	MarkProposalPromoted(ctx context.Context, id, jobID string, now time.Time) (models.Proposal, error)
	MarkProposalRejected(ctx context.Context, id, reason string, now time.Time) (models.Proposal, error)
}
