package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-task-queue/internal/models"
)

// Memory is an in-process Store used by tests and single-node setups. All
// operations take one lock, which gives the same atomicity the Postgres
// implementation gets from transactions.
type Memory struct {
	mu sync.Mutex

	jobs        map[string]*models.Job
	idempotency map[string]idemEntry
	events      []models.StageEvent
	eventSeq    int64
	artifacts   map[string]models.Artifact
	pause       models.PauseState
	control     []models.ControlEvent
	controlSeq  int64
	proposals   map[string]*models.Proposal
}

type idemEntry struct {
	jobID     string
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*models.Job),
		idempotency: make(map[string]idemEntry),
		artifacts:   make(map[string]models.Artifact),
		proposals:   make(map[string]*models.Proposal),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if p.IdempotencyKey != "" {
		if e, ok := m.idempotency[p.IdempotencyKey]; ok && e.expiresAt.After(now) {
			if j, ok := m.jobs[e.jobID]; ok {
				return *j, true, nil
			}
		}
	}

	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	// NULL next_attempt_at means runnable right away; only scheduled jobs
	// carry a timestamp.
	var runAt *time.Time
	if !p.RunAt.IsZero() {
		t := p.RunAt
		runAt = &t
	}
	job := models.Job{
		ID:             uuid.New().String(),
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
	}
	m.jobs[job.ID] = &job
	if p.IdempotencyKey != "" {
		ttl := p.IdempotencyTTL
		if ttl == 0 {
			ttl = 24 * time.Hour
		}
		m.idempotency[p.IdempotencyKey] = idemEntry{jobID: job.ID, expiresAt: now.Add(ttl)}
	}
	return job, false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (m *Memory) ListJobs(_ context.Context, f ListJobsFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Repository != "" && j.Payload.Repository != f.Repository {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ClaimNext(_ context.Context, p ClaimParams) (ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := ClaimOutcome{Pause: m.pause}
	if m.pause.Paused {
		// Paused claims must not touch the store, not even to normalize
		// expired leases.
		return out, nil
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for _, j := range m.jobs {
		if j.Status != models.StatusRunning || j.HasLiveLease(now) {
			continue
		}
		m.normalizeExpiredLocked(j, now, &out)
	}

	runningAffinity := make(map[string]bool)
	for _, j := range m.jobs {
		if j.Status == models.StatusRunning && j.AffinityKey != nil {
			runningAffinity[*j.AffinityKey] = true
		}
	}

	var best *models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusQueued {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if len(p.AllowedTypes) > 0 && !contains(p.AllowedTypes, j.Type) {
			continue
		}
		if !subset(j.Payload.RequiredCapabilities, p.Capabilities) {
			continue
		}
		if j.AffinityKey != nil && runningAffinity[*j.AffinityKey] {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return out, nil
	}

	expires := now.Add(p.LeaseTTL)
	best.Status = models.StatusRunning
	best.LeaseOwner = &p.WorkerID
	best.LeaseExpiresAt = &expires
	best.NextAttemptAt = nil
	best.UpdatedAt = now
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}
	claimed := *best
	out.Job = &claimed
	return out, nil
}

// normalizeExpiredLocked requeues or dead-letters a running job whose lease
// has lapsed. Caller holds the lock.
func (m *Memory) normalizeExpiredLocked(j *models.Job, now time.Time, out *ClaimOutcome) {
	attempt := j.AttemptCount + 1
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.AttemptCount = attempt
	j.UpdatedAt = now
	if attempt >= j.MaxAttempts {
		j.Status = models.StatusDeadLetter
		msg := "lease expired with no attempts remaining"
		j.ErrorMessage = &msg
		finished := now
		j.FinishedAt = &finished
		out.DeadLettered = append(out.DeadLettered, j.ID)
		return
	}
	j.Status = models.StatusQueued
	retry := now
	j.NextAttemptAt = &retry
	msg := "lease expired"
	j.ErrorMessage = &msg
	out.Requeued = append(out.Requeued, j.ID)
}

func (m *Memory) Heartbeat(_ context.Context, jobID, workerID string, leaseTTL time.Duration, now time.Time) (models.Job, models.PauseState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, m.pause, ErrJobNotFound
	}
	if j.Status != models.StatusRunning {
		return *j, m.pause, ErrInvalidTransition
	}
	if j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return *j, m.pause, ErrLeaseMismatch
	}
	expires := now.Add(leaseTTL)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return *j, m.pause, nil
}

func (m *Memory) CompleteJob(_ context.Context, jobID, workerID, resultSummary string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if j.Status != models.StatusRunning {
		return *j, ErrInvalidTransition
	}
	if j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return *j, ErrLeaseMismatch
	}
	j.Status = models.StatusSucceeded
	j.ResultSummary = emptyToNil(resultSummary)
	j.ErrorMessage = nil
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	finished := now
	j.FinishedAt = &finished
	j.UpdatedAt = now
	return *j, nil
}

func (m *Memory) FailJob(_ context.Context, p FailJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[p.JobID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if j.Status != models.StatusRunning {
		return *j, ErrInvalidTransition
	}
	if j.LeaseOwner == nil || *j.LeaseOwner != p.WorkerID {
		return *j, ErrLeaseMismatch
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.ErrorMessage = emptyToNil(p.ErrorMessage)
	j.UpdatedAt = now

	switch {
	case j.CancelRequested:
		j.Status = models.StatusCancelled
		finished := now
		j.FinishedAt = &finished
	case !p.Retryable:
		j.Status = models.StatusFailed
		finished := now
		j.FinishedAt = &finished
	case j.AttemptCount+1 >= j.MaxAttempts:
		j.AttemptCount++
		j.Status = models.StatusDeadLetter
		finished := now
		j.FinishedAt = &finished
	default:
		j.AttemptCount++
		j.Status = models.StatusQueued
		retry := p.NextAttemptAt
		j.NextAttemptAt = &retry
	}
	return *j, nil
}

func (m *Memory) RequestCancel(_ context.Context, jobID, reason string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	switch j.Status {
	case models.StatusQueued:
		j.Status = models.StatusCancelled
		j.CancelRequested = true
		j.CancelReason = emptyToNil(reason)
		finished := now
		j.FinishedAt = &finished
		j.UpdatedAt = now
	case models.StatusRunning:
		j.CancelRequested = true
		j.CancelReason = emptyToNil(reason)
		j.UpdatedAt = now
	default:
		return *j, ErrInvalidTransition
	}
	return *j, nil
}

func (m *Memory) AppendStageEvent(_ context.Context, ev models.StageEvent) (models.StageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventSeq++
	ev.Seq = m.eventSeq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *Memory) ListStageEvents(_ context.Context, jobID string, afterSeq int64, limit int) ([]models.StageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.StageEvent{}
	for _, ev := range m.events {
		if ev.JobID != jobID || ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateArtifact(_ context.Context, a models.Artifact) (models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.artifacts {
		if existing.JobID == a.JobID && existing.Name == a.Name {
			return models.Artifact{}, ErrArtifactExists
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.artifacts[a.ID] = a
	return a, nil
}

func (m *Memory) GetArtifact(_ context.Context, id string) (models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return models.Artifact{}, ErrArtifactNotFound
	}
	return a, nil
}

func (m *Memory) ListArtifacts(_ context.Context, jobID string) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Artifact{}
	for _, a := range m.artifacts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) GetPauseState(_ context.Context) (models.PauseState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pause, nil
}

func (m *Memory) SetPauseState(_ context.Context, paused bool, mode, reason, actor string, now time.Time) (models.PauseState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pause = models.PauseState{
		Paused:    paused,
		Mode:      mode,
		Reason:    reason,
		Version:   m.pause.Version + 1,
		UpdatedBy: actor,
		UpdatedAt: now,
	}
	return m.pause, nil
}

func (m *Memory) AppendControlEvent(_ context.Context, ev models.ControlEvent) (models.ControlEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.controlSeq++
	ev.Seq = m.controlSeq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.control = append(m.control, ev)
	return ev, nil
}

func (m *Memory) ListControlEvents(_ context.Context, limit int) ([]models.ControlEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]models.ControlEvent{}, m.control...)
	sort.Slice(out, func(i, k int) bool { return out[i].Seq > out[k].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) QueueMetrics(_ context.Context, now time.Time) (int64, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var queued, running, stale int64
	for _, j := range m.jobs {
		switch j.Status {
		case models.StatusQueued:
			queued++
		case models.StatusRunning:
			running++
			if !j.HasLiveLease(now) {
				stale++
			}
		}
	}
	return queued, running, stale, nil
}

func (m *Memory) SubmitProposal(_ context.Context, p SubmitProposalParams, now time.Time) (models.Proposal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.proposals {
		if existing.Status != models.ProposalPending || existing.DedupHash != p.DedupHash {
			continue
		}
		existing.Occurrences++
		existing.SignalTags = mergeTags(existing.SignalTags, p.SignalTags)
		if priorityRank(p.ReviewPriority) > priorityRank(existing.ReviewPriority) {
			existing.ReviewPriority = p.ReviewPriority
		}
		existing.UpdatedAt = now
		return *existing, true, nil
	}

	prop := models.Proposal{
		ID:                     uuid.New().String(),
		Repository:             p.Repository,
		Title:                  p.Title,
		NormalizedTitle:        p.NormalizedTitle,
		DedupHash:              p.DedupHash,
		Body:                   p.Body,
		Targets:                p.Targets,
		SignalTags:             p.SignalTags,
		ReviewPriority:         p.ReviewPriority,
		PriorityOverrideReason: p.PriorityOverrideReason,
		Status:                 models.ProposalPending,
		SourceJobID:            p.SourceJobID,
		Occurrences:            1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	m.proposals[prop.ID] = &prop
	return prop, false, nil
}

func (m *Memory) GetProposal(_ context.Context, id string) (models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrProposalNotFound
	}
	return *p, nil
}

func (m *Memory) ListProposals(_ context.Context, status string, limit int) ([]models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Proposal{}
	for _, p := range m.proposals {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkProposalPromoted(_ context.Context, id, jobID string, now time.Time) (models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrProposalNotFound
	}
	switch p.Status {
	case models.ProposalPromoted:
		return *p, nil
	case models.ProposalRejected:
		return *p, ErrInvalidTransition
	}
	p.Status = models.ProposalPromoted
	p.PromotedJobID = &jobID
	promoted := now
	p.PromotedAt = &promoted
	p.UpdatedAt = now
	return *p, nil
}

func (m *Memory) MarkProposalRejected(_ context.Context, id, reason string, now time.Time) (models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrProposalNotFound
	}
	if p.Status != models.ProposalPending {
		return *p, ErrInvalidTransition
	}
	p.Status = models.ProposalRejected
	if reason != "" {
		p.Body = p.Body + "\n\nRejected: " + reason
	}
	p.UpdatedAt = now
	return *p, nil
}

// claimBefore orders claim candidates: priority descending, then creation
// time, then job ID so equal candidates resolve the same way every time.
func claimBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func subset(needed, have []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range needed {
		if !set[c] {
			return false
		}
	}
	return true
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string{}, a...)
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func priorityRank(p string) int {
	switch p {
	case models.PriorityUrgent:
		return 3
	case models.PriorityHigh:
		return 2
	case models.PriorityNormal:
		return 1
	default:
		return 0
	}
}
