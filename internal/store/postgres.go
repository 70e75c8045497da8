package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-task-queue/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, status, priority, affinity_key, payload, attempt_count, max_attempts,
	next_attempt_at, lease_owner, lease_expires_at, cancel_requested, cancel_reason,
	result_summary, error_message, idempotency_key, created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
		affinity    pgtype.Text
		leaseOwner  pgtype.Text
		cancelWhy   pgtype.Text
		summary     pgtype.Text
		errMsg      pgtype.Text
		idem        pgtype.Text
		nextAttempt pgtype.Timestamptz
		leaseExp    pgtype.Timestamptz
		startedAt   pgtype.Timestamptz
		finishedAt  pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Priority, &affinity, &payloadJSON,
		&job.AttemptCount, &job.MaxAttempts, &nextAttempt, &leaseOwner, &leaseExp,
		&job.CancelRequested, &cancelWhy, &summary, &errMsg, &idem,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.AffinityKey = textPtr(affinity)
	job.LeaseOwner = textPtr(leaseOwner)
	job.CancelReason = textPtr(cancelWhy)
	job.ResultSummary = textPtr(summary)
	job.ErrorMessage = textPtr(errMsg)
	job.IdempotencyKey = textPtr(idem)
	job.NextAttemptAt = timePtr(nextAttempt)
	job.LeaseExpiresAt = timePtr(leaseExp)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

// CreateJob inserts a job row, honoring idempotency if provided.
// It returns the job and whether an existing job was reused via idempotency.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	// NULL next_attempt_at means runnable right away; only scheduled jobs
	// carry a timestamp.
	var runAt *time.Time
	if !p.RunAt.IsZero() {
		t := p.RunAt
		runAt = &t
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, status, priority, affinity_key, payload, required_capabilities,
			attempt_count, max_attempts, next_attempt_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
	`, id, p.Type, models.StatusQueued, p.Priority, emptyToNil(p.AffinityKey), payloadJSON,
		p.Capabilities, p.MaxAttempts, runAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Status:         models.StatusQueued,
		Priority:       p.Priority,
		AffinityKey:    emptyToNil(p.AffinityKey),
		Payload:        p.Payload,
		MaxAttempts:    p.MaxAttempts,
		NextAttemptAt:  runAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, f ListJobsFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR payload->>'repository' = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.Status, f.Type, f.Repository, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims one runnable job for a worker. The pause gate
// is checked first inside the transaction; a paused system short-circuits
// with no writes at all. Otherwise expired leases are normalized and the
// best queued job matching the worker capabilities is moved to running via
// a conditional update on (status, lease_owner).
func (s *Postgres) ClaimNext(ctx context.Context, p ClaimParams) (ClaimOutcome, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out := ClaimOutcome{}
	out.Pause, err = scanPause(tx.QueryRow(ctx, `
		SELECT paused, mode, reason, version, updated_by, updated_at FROM worker_pause
	`))
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("read pause state: %w", err)
	}
	if out.Pause.Paused {
		return out, tx.Rollback(ctx)
	}

	rows, err := tx.Query(ctx, `
		WITH expired AS (
			SELECT id, attempt_count, max_attempts FROM jobs
			WHERE status = $2 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			attempt_count = e.attempt_count + 1,
			lease_owner = NULL,
			lease_expires_at = NULL,
			status = CASE WHEN e.attempt_count + 1 >= e.max_attempts THEN $3 ELSE $4 END,
			next_attempt_at = CASE WHEN e.attempt_count + 1 >= e.max_attempts THEN NULL ELSE $1 END,
			error_message = CASE WHEN e.attempt_count + 1 >= e.max_attempts
				THEN 'lease expired with no attempts remaining' ELSE 'lease expired' END,
			finished_at = CASE WHEN e.attempt_count + 1 >= e.max_attempts THEN $1 ELSE j.finished_at END,
			updated_at = $1
		FROM expired e WHERE j.id = e.id
		RETURNING j.id, j.status
	`, now, models.StatusRunning, models.StatusDeadLetter, models.StatusQueued)
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("normalize expired leases: %w", err)
	}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return ClaimOutcome{}, fmt.Errorf("scan expired job: %w", err)
		}
		if status == models.StatusDeadLetter {
			out.DeadLettered = append(out.DeadLettered, id)
		} else {
			out.Requeued = append(out.Requeued, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ClaimOutcome{}, fmt.Errorf("normalize expired leases: %w", err)
	}

	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}
	allowedTypes := p.AllowedTypes
	if allowedTypes == nil {
		allowedTypes = []string{}
	}
	row := tx.QueryRow(ctx, `
		WITH candidate AS (
			SELECT c.id FROM jobs c
			WHERE c.status = $1
			  AND (c.next_attempt_at IS NULL OR c.next_attempt_at <= $2)
			  AND (cardinality($7::text[]) = 0 OR c.type = ANY($7::text[]))
			  AND c.required_capabilities <@ $3::text[]
			  AND (c.affinity_key IS NULL OR NOT EXISTS (
				SELECT 1 FROM jobs r
				WHERE r.status = $4 AND r.affinity_key = c.affinity_key
			  ))
			ORDER BY c.priority DESC, c.created_at, c.id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j SET
			status = $4,
			lease_owner = $5,
			lease_expires_at = $6,
			next_attempt_at = NULL,
			started_at = COALESCE(j.started_at, $2),
			updated_at = $2
		FROM candidate WHERE j.id = candidate.id
		RETURNING `+prefixedJobColumns("j")+`
	`, models.StatusQueued, now, caps, models.StatusRunning, p.WorkerID, now.Add(p.LeaseTTL), allowedTypes)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, tx.Commit(ctx)
	}
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ClaimOutcome{}, fmt.Errorf("commit: %w", err)
	}
	out.Job = &job
	return out, nil
}

// Heartbeat extends the lease for the owning worker.
func (s *Postgres) Heartbeat(ctx context.Context, jobID, workerID string, leaseTTL time.Duration, now time.Time) (models.Job, models.PauseState, error) {
	pause, err := s.GetPauseState(ctx)
	if err != nil {
		return models.Job{}, models.PauseState{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET lease_expires_at = $4, updated_at = $3
		WHERE id = $1 AND status = $5 AND lease_owner = $2
		RETURNING `+jobColumns+`
	`, jobID, workerID, now, now.Add(leaseTTL), models.StatusRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.resolveLeaseError(ctx, jobID, workerID, pause)
	}
	if err != nil {
		return models.Job{}, pause, fmt.Errorf("heartbeat: %w", err)
	}
	return job, pause, nil
}

// resolveLeaseError figures out why a conditional lease update matched
// nothing.
func (s *Postgres) resolveLeaseError(ctx context.Context, jobID, workerID string, pause models.PauseState) (models.Job, models.PauseState, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, pause, err
	}
	if job.Status != models.StatusRunning {
		return job, pause, ErrInvalidTransition
	}
	if job.LeaseOwner == nil || *job.LeaseOwner != workerID {
		return job, pause, ErrLeaseMismatch
	}
	return job, pause, ErrLeaseMismatch
}

// CompleteJob transitions running -> succeeded for the lease owner.
func (s *Postgres) CompleteJob(ctx context.Context, jobID, workerID, resultSummary string, now time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = $5,
			result_summary = $3,
			error_message = NULL,
			lease_owner = NULL,
			lease_expires_at = NULL,
			finished_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = $6 AND lease_owner = $2
		RETURNING `+jobColumns+`
	`, jobID, workerID, emptyToNil(resultSummary), now, models.StatusSucceeded, models.StatusRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		j, _, lerr := s.resolveLeaseError(ctx, jobID, workerID, models.PauseState{})
		return j, lerr
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// FailJob applies a failure report: cancelled when a cancel was pending,
// failed when not retryable, dead_letter when attempts are exhausted,
// otherwise requeued with the caller-supplied retry time.
func (s *Postgres) FailJob(ctx context.Context, p FailJobParams) (models.Job, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, p.JobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if job.Status != models.StatusRunning {
		return job, ErrInvalidTransition
	}
	if job.LeaseOwner == nil || *job.LeaseOwner != p.WorkerID {
		return job, ErrLeaseMismatch
	}

	status := models.StatusQueued
	attempts := job.AttemptCount
	var nextAttempt, finished *time.Time
	switch {
	case job.CancelRequested:
		status = models.StatusCancelled
		finished = &now
	case !p.Retryable:
		status = models.StatusFailed
		finished = &now
	case job.AttemptCount+1 >= job.MaxAttempts:
		attempts++
		status = models.StatusDeadLetter
		finished = &now
	default:
		attempts++
		retry := p.NextAttemptAt
		nextAttempt = &retry
	}

	row = tx.QueryRow(ctx, `
		UPDATE jobs SET
			status = $2,
			attempt_count = $3,
			next_attempt_at = $4,
			error_message = $5,
			lease_owner = NULL,
			lease_expires_at = NULL,
			finished_at = $6,
			updated_at = $7
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, p.JobID, status, attempts, nextAttempt, emptyToNil(p.ErrorMessage), finished, now)
	job, err = scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// RequestCancel cancels a queued job immediately and flags a running one.
func (s *Postgres) RequestCancel(ctx context.Context, jobID, reason string, now time.Time) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	switch job.Status {
	case models.StatusQueued:
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, cancel_requested = TRUE, cancel_reason = $3,
				finished_at = $4, updated_at = $4
			WHERE id = $1
			RETURNING `+jobColumns+`
		`, jobID, models.StatusCancelled, emptyToNil(reason), now)
	case models.StatusRunning:
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET cancel_requested = TRUE, cancel_reason = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+jobColumns+`
		`, jobID, emptyToNil(reason), now)
	default:
		return job, ErrInvalidTransition
	}

	job, err = scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) AppendStageEvent(ctx context.Context, ev models.StageEvent) (models.StageEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var metaJSON []byte
	if ev.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return models.StageEvent{}, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stage_events (job_id, stage, phase, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`, ev.JobID, ev.Stage, ev.Phase, ev.Message, metaJSON, ev.CreatedAt).Scan(&ev.Seq)
	if err != nil {
		return models.StageEvent{}, fmt.Errorf("insert stage event: %w", err)
	}
	return ev, nil
}

func (s *Postgres) ListStageEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.StageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, job_id, stage, phase, message, metadata, created_at
		FROM stage_events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	out := []models.StageEvent{}
	for rows.Next() {
		var ev models.StageEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.Seq, &ev.JobID, &ev.Stage, &ev.Phase, &ev.Message, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, job_id, name, content_type, size_bytes, digest, storage_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.JobID, a.Name, a.ContentType, a.SizeBytes, a.Digest, a.StorageKey, a.CreatedAt)
	if isUniqueViolation(err) {
		return models.Artifact{}, ErrArtifactExists
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

func (s *Postgres) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, name, content_type, size_bytes, digest, storage_key, created_at
		FROM artifacts WHERE id = $1
	`, id).Scan(&a.ID, &a.JobID, &a.Name, &a.ContentType, &a.SizeBytes, &a.Digest, &a.StorageKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Artifact{}, ErrArtifactNotFound
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

func (s *Postgres) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, name, content_type, size_bytes, digest, storage_key, created_at
		FROM artifacts WHERE job_id = $1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := []models.Artifact{}
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Name, &a.ContentType, &a.SizeBytes, &a.Digest, &a.StorageKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPause(row pgx.Row) (models.PauseState, error) {
	var p models.PauseState
	err := row.Scan(&p.Paused, &p.Mode, &p.Reason, &p.Version, &p.UpdatedBy, &p.UpdatedAt)
	return p, err
}

func (s *Postgres) GetPauseState(ctx context.Context) (models.PauseState, error) {
	p, err := scanPause(s.pool.QueryRow(ctx, `
		SELECT paused, mode, reason, version, updated_by, updated_at FROM worker_pause
	`))
	if err != nil {
		return models.PauseState{}, fmt.Errorf("query pause state: %w", err)
	}
	return p, nil
}

func (s *Postgres) SetPauseState(ctx context.Context, paused bool, mode, reason, actor string, now time.Time) (models.PauseState, error) {
	p, err := scanPause(s.pool.QueryRow(ctx, `
		UPDATE worker_pause SET paused = $1, mode = $2, reason = $3,
			version = version + 1, updated_by = $4, updated_at = $5
		RETURNING paused, mode, reason, version, updated_by, updated_at
	`, paused, mode, reason, actor, now))
	if err != nil {
		return models.PauseState{}, fmt.Errorf("update pause state: %w", err)
	}
	return p, nil
}

func (s *Postgres) AppendControlEvent(ctx context.Context, ev models.ControlEvent) (models.ControlEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO control_events (action, actor, mode, reason, job_id, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, ev.Action, ev.Actor, ev.Mode, ev.Reason, ev.JobID, ev.Version, ev.CreatedAt).Scan(&ev.Seq)
	if err != nil {
		return models.ControlEvent{}, fmt.Errorf("insert control event: %w", err)
	}
	return ev, nil
}

func (s *Postgres) ListControlEvents(ctx context.Context, limit int) ([]models.ControlEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, action, actor, mode, reason, job_id, version, created_at
		FROM control_events ORDER BY seq DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query control events: %w", err)
	}
	defer rows.Close()

	out := []models.ControlEvent{}
	for rows.Next() {
		var ev models.ControlEvent
		if err := rows.Scan(&ev.Seq, &ev.Action, &ev.Actor, &ev.Mode, &ev.Reason, &ev.JobID, &ev.Version, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan control event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) QueueMetrics(ctx context.Context, now time.Time) (int64, int64, int64, error) {
	var queued, running, stale int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $2 AND (lease_expires_at IS NULL OR lease_expires_at <= $3))
		FROM jobs
	`, models.StatusQueued, models.StatusRunning, now).Scan(&queued, &running, &stale)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count queue metrics: %w", err)
	}
	return queued, running, stale, nil
}

const proposalColumns = `id, repository, title, normalized_title, dedup_hash, body, targets,
	signal_tags, review_priority, priority_override_reason, status, source_job_id,
	promoted_job_id, occurrences, created_at, updated_at, promoted_at`

func scanProposal(row pgx.Row) (models.Proposal, error) {
	var (
		p          models.Proposal
		override   pgtype.Text
		sourceJob  pgtype.Text
		promoted   pgtype.Text
		promotedAt pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &p.Repository, &p.Title, &p.NormalizedTitle, &p.DedupHash, &p.Body,
		&p.Targets, &p.SignalTags, &p.ReviewPriority, &override, &p.Status, &sourceJob,
		&promoted, &p.Occurrences, &p.CreatedAt, &p.UpdatedAt, &promotedAt)
	if err != nil {
		return models.Proposal{}, err
	}
	p.PriorityOverrideReason = textPtr(override)
	p.SourceJobID = textPtr(sourceJob)
	p.PromotedJobID = textPtr(promoted)
	p.PromotedAt = timePtr(promotedAt)
	return p, nil
}

// SubmitProposal inserts a proposal or merges it into a pending one with the
// same dedup hash: occurrence count goes up, signal tags union, and the
// review priority keeps the higher of the two.
func (s *Postgres) SubmitProposal(ctx context.Context, p SubmitProposalParams, now time.Time) (models.Proposal, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Proposal{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE dedup_hash = $1 AND status = $2
		FOR UPDATE
	`, p.DedupHash, models.ProposalPending)
	existing, err := scanProposal(row)
	if err == nil {
		tags := mergeTags(existing.SignalTags, p.SignalTags)
		priority := existing.ReviewPriority
		if priorityRank(p.ReviewPriority) > priorityRank(priority) {
			priority = p.ReviewPriority
		}
		row = tx.QueryRow(ctx, `
			UPDATE proposals SET occurrences = occurrences + 1, signal_tags = $2,
				review_priority = $3, updated_at = $4
			WHERE id = $1
			RETURNING `+proposalColumns+`
		`, existing.ID, tags, priority, now)
		merged, err := scanProposal(row)
		if err != nil {
			return models.Proposal{}, false, fmt.Errorf("merge proposal: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Proposal{}, false, fmt.Errorf("commit: %w", err)
		}
		return merged, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Proposal{}, false, fmt.Errorf("query proposal by hash: %w", err)
	}

	targets := p.Targets
	if targets == nil {
		targets = []string{}
	}
	tags := p.SignalTags
	if tags == nil {
		tags = []string{}
	}
	row = tx.QueryRow(ctx, `
		INSERT INTO proposals (id, repository, title, normalized_title, dedup_hash, body,
			targets, signal_tags, review_priority, priority_override_reason, status,
			source_job_id, occurrences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $13)
		RETURNING `+proposalColumns+`
	`, uuid.New().String(), p.Repository, p.Title, p.NormalizedTitle, p.DedupHash, p.Body,
		targets, tags, p.ReviewPriority, p.PriorityOverrideReason, models.ProposalPending,
		p.SourceJobID, now)
	created, err := scanProposal(row)
	if err != nil {
		return models.Proposal{}, false, fmt.Errorf("insert proposal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Proposal{}, false, fmt.Errorf("commit: %w", err)
	}
	return created, false, nil
}

func (s *Postgres) GetProposal(ctx context.Context, id string) (models.Proposal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Proposal{}, ErrProposalNotFound
	}
	if err != nil {
		return models.Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	return p, nil
}

func (s *Postgres) ListProposals(ctx context.Context, status string, limit int) ([]models.Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	out := []models.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkProposalPromoted(ctx context.Context, id, jobID string, now time.Time) (models.Proposal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Proposal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Proposal{}, ErrProposalNotFound
	}
	if err != nil {
		return models.Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	switch p.Status {
	case models.ProposalPromoted:
		return p, tx.Rollback(ctx)
	case models.ProposalRejected:
		return p, ErrInvalidTransition
	}

	row = tx.QueryRow(ctx, `
		UPDATE proposals SET status = $2, promoted_job_id = $3, promoted_at = $4, updated_at = $4
		WHERE id = $1
		RETURNING `+proposalColumns+`
	`, id, models.ProposalPromoted, jobID, now)
	p, err = scanProposal(row)
	if err != nil {
		return models.Proposal{}, fmt.Errorf("promote proposal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Proposal{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *Postgres) MarkProposalRejected(ctx context.Context, id, reason string, now time.Time) (models.Proposal, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE proposals SET status = $2,
			body = CASE WHEN $3 = '' THEN body ELSE body || E'\n\nRejected: ' || $3 END,
			updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+proposalColumns+`
	`, id, models.ProposalRejected, reason, now, models.ProposalPending)
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetProposal(ctx, id)
		if gerr != nil {
			return models.Proposal{}, gerr
		}
		return existing, ErrInvalidTransition
	}
	if err != nil {
		return models.Proposal{}, fmt.Errorf("reject proposal: %w", err)
	}
	return p, nil
}

func prefixedJobColumns(alias string) string {
	cols := []string{"id", "type", "status", "priority", "affinity_key", "payload", "attempt_count", "max_attempts",
		"next_attempt_at", "lease_owner", "lease_expires_at", "cancel_requested", "cancel_reason",
		"result_summary", "error_message", "idempotency_key", "created_at", "updated_at", "started_at", "finished_at"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
