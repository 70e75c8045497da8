package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"agent-task-queue/internal/config"
	"agent-task-queue/internal/contract"
	"agent-task-queue/internal/events"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/store"
	"agent-task-queue/internal/telemetry"
)

// ErrValidation marks request-shape errors the API maps to 400.
var ErrValidation = errors.New("validation failed")

// Service is the queue core: ingress normalization, lease claims,
// heartbeats and terminal transitions. All state lives in the store; the
// bus only mirrors stage events to live subscribers.
type Service struct {
	cfg   config.Config
	store store.Store
	bus   *events.Bus
	log   *slog.Logger
}

// New constructs the queue service. bus may be nil.
func New(cfg config.Config, st store.Store, bus *events.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: st, bus: bus, log: log}
}

// EnqueueParams is an ingress job submission, possibly in a legacy shape.
type EnqueueParams struct {
	Type           string
	Payload        map[string]any
	Priority       int
	AffinityKey    string
	MaxAttempts    int
	RunAt          time.Time
	IdempotencyKey string
}

// Enqueue normalizes, validates and persists a job. Legacy codex_exec and
// codex_skill submissions come out the other side as canonical task jobs.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	payload, err := contract.Normalize(p.Type, p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	payload.RequiredCapabilities = contract.DeriveCapabilities(payload, s.skillCaps(payload))
	if err := contract.Validate(payload); err != nil {
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:           contract.TypeTask,
		Priority:       p.Priority,
		AffinityKey:    p.AffinityKey,
		Payload:        payload,
		Capabilities:   payload.RequiredCapabilities,
		IdempotencyKey: p.IdempotencyKey,
		RunAt:          p.RunAt,
		MaxAttempts:    maxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if !reused {
		telemetry.JobsEnqueued.Inc()
		s.log.Info("job enqueued", "job_id", job.ID, "repository", payload.Repository, "runtime", payload.TargetRuntime)
	}
	return job, reused, nil
}

func (s *Service) skillCaps(p contract.TaskPayload) []string {
	if p.Task.Skill == nil {
		return nil
	}
	return s.cfg.SkillCapabilities[p.Task.Skill.ID]
}

// SystemEnvelope rides along every claim and heartbeat response so workers
// learn about pauses and cancellations without extra calls.
type SystemEnvelope struct {
	WorkersPaused   bool   `json:"workersPaused"`
	Mode            string `json:"mode,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Version         int64  `json:"version"`
	CancelRequested bool   `json:"cancelRequested,omitempty"`
}

func envelopeFrom(p models.PauseState) SystemEnvelope {
	return SystemEnvelope{
		WorkersPaused: p.Paused,
		Mode:          p.Mode,
		Reason:        p.Reason,
		Version:       p.Version,
	}
}

// ClaimResult is the claim response. Job is nil when nothing was handed out.
type ClaimResult struct {
	Job    *models.Job    `json:"job"`
	System SystemEnvelope `json:"system"`
}

// Claim hands one runnable job to a worker, or reports why there is none.
// Empty allowedTypes means the worker takes any job type.
func (s *Service) Claim(ctx context.Context, workerID string, allowedTypes, capabilities []string) (ClaimResult, error) {
	if workerID == "" {
		return ClaimResult{}, fmt.Errorf("%w: workerId is required", ErrValidation)
	}
	out, err := s.store.ClaimNext(ctx, store.ClaimParams{
		WorkerID:     workerID,
		AllowedTypes: allowedTypes,
		Capabilities: capabilities,
		LeaseTTL:     s.cfg.LeaseTTL,
		Now:          time.Now().UTC(),
	})
	if err != nil {
		return ClaimResult{}, err
	}
	for _, id := range out.Requeued {
		telemetry.LeaseExpirations.Inc()
		s.log.Warn("requeued job with expired lease", "job_id", id)
		_, _ = s.store.AppendControlEvent(ctx, models.ControlEvent{Action: "lease_expired", Actor: "scheduler", JobID: id, Reason: "requeued"})
	}
	for _, id := range out.DeadLettered {
		telemetry.LeaseExpirations.Inc()
		telemetry.JobsDeadLettered.Inc()
		s.log.Warn("dead-lettered job with expired lease", "job_id", id)
		_, _ = s.store.AppendControlEvent(ctx, models.ControlEvent{Action: "lease_expired", Actor: "scheduler", JobID: id, Reason: "dead_letter"})
	}
	if out.Pause.Paused {
		telemetry.ClaimsPaused.Inc()
	} else if out.Job != nil {
		telemetry.ClaimsGranted.Inc()
		s.log.Info("job claimed", "job_id", out.Job.ID, "worker_id", workerID, "attempt", out.Job.AttemptCount)
	}
	s.observeQueueDepth(ctx)
	return ClaimResult{Job: out.Job, System: envelopeFrom(out.Pause)}, nil
}

// HeartbeatResult extends ClaimResult with the renewed job.
type HeartbeatResult struct {
	Job    models.Job     `json:"job"`
	System SystemEnvelope `json:"system"`
}

// Heartbeat renews a lease and returns the control envelope, including any
// pending cancellation for the job itself.
func (s *Service) Heartbeat(ctx context.Context, jobID, workerID string) (HeartbeatResult, error) {
	job, pause, err := s.store.Heartbeat(ctx, jobID, workerID, s.cfg.LeaseTTL, time.Now().UTC())
	if err != nil {
		return HeartbeatResult{Job: job, System: envelopeFrom(pause)}, err
	}
	env := envelopeFrom(pause)
	env.CancelRequested = job.CancelRequested
	return HeartbeatResult{Job: job, System: env}, nil
}

// Complete records a successful run for the lease owner.
func (s *Service) Complete(ctx context.Context, jobID, workerID, resultSummary string) (models.Job, error) {
	job, err := s.store.CompleteJob(ctx, jobID, workerID, resultSummary, time.Now().UTC())
	if err != nil {
		return job, err
	}
	telemetry.JobsSucceeded.Inc()
	s.log.Info("job succeeded", "job_id", jobID, "worker_id", workerID)
	return job, nil
}

// Fail records a failure for the lease owner. Retryable failures requeue
// with exponential backoff until attempts run out.
func (s *Service) Fail(ctx context.Context, jobID, workerID, errorMessage string, retryable bool) (models.Job, error) {
	now := time.Now().UTC()
	current, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	delay := RetryDelay(s.cfg.RetryBackoffBase, s.cfg.RetryBackoffMax, current.AttemptCount+1)

	job, err := s.store.FailJob(ctx, store.FailJobParams{
		JobID:         jobID,
		WorkerID:      workerID,
		ErrorMessage:  errorMessage,
		Retryable:     retryable,
		NextAttemptAt: now.Add(delay),
		Now:           now,
	})
	if err != nil {
		return job, err
	}
	switch job.Status {
	case models.StatusCancelled:
		s.log.Info("job cancelled at worker checkpoint", "job_id", jobID)
	case models.StatusDeadLetter:
		telemetry.JobsDeadLettered.Inc()
		s.log.Warn("job dead-lettered", "job_id", jobID, "attempts", job.AttemptCount, "error", errorMessage)
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
		s.log.Warn("job failed permanently", "job_id", jobID, "error", errorMessage)
	default:
		telemetry.JobsFailed.Inc()
		s.log.Info("job requeued for retry", "job_id", jobID, "attempt", job.AttemptCount, "next_attempt_at", job.NextAttemptAt)
	}
	return job, nil
}

// Cancel cancels a queued job or flags a running one for cooperative stop.
func (s *Service) Cancel(ctx context.Context, jobID, reason, actor string) (models.Job, error) {
	job, err := s.store.RequestCancel(ctx, jobID, reason, time.Now().UTC())
	if err != nil {
		return job, err
	}
	_, _ = s.store.AppendControlEvent(ctx, models.ControlEvent{
		Action: "cancel",
		Actor:  actor,
		Reason: reason,
		JobID:  jobID,
	})
	s.log.Info("cancel requested", "job_id", jobID, "status", job.Status, "actor", actor)
	return job, nil
}

// Annotate appends an operator note for a job to the control log.
func (s *Service) Annotate(ctx context.Context, jobID, message, actor string) (models.ControlEvent, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return models.ControlEvent{}, err
	}
	ev, err := s.store.AppendControlEvent(ctx, models.ControlEvent{
		Action: "message",
		Actor:  actor,
		Reason: message,
		JobID:  jobID,
	})
	if err != nil {
		return models.ControlEvent{}, err
	}
	s.log.Info("job annotated", "job_id", jobID, "actor", actor)
	return ev, nil
}

// RecordStageEvent appends a stage event and mirrors it to subscribers.
func (s *Service) RecordStageEvent(ctx context.Context, ev models.StageEvent) (models.StageEvent, error) {
	saved, err := s.store.AppendStageEvent(ctx, ev)
	if err != nil {
		return models.StageEvent{}, err
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, saved); err != nil {
			s.log.Warn("stage event publish failed", "job_id", ev.JobID, "error", err)
		}
	}
	return saved, nil
}

// StageEvents reads persisted stage events after a cursor.
func (s *Service) StageEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.StageEvent, error) {
	return s.store.ListStageEvents(ctx, jobID, afterSeq, limit)
}

func (s *Service) observeQueueDepth(ctx context.Context) {
	queued, running, stale, err := s.store.QueueMetrics(ctx, time.Now().UTC())
	if err != nil {
		return
	}
	telemetry.QueueDepthGauge.Set(float64(queued))
	telemetry.RunningGauge.Set(float64(running))
	telemetry.StaleRunningGauge.Set(float64(stale))
}

// RetryDelay computes exponential backoff for the given attempt number,
// bounded by max.
func RetryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}
