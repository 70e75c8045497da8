package proposals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agent-task-queue/internal/config"
	"agent-task-queue/internal/contract"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/store"
	"agent-task-queue/internal/telemetry"
)

// Signal tags that force a review priority during derivation.
var highPrioritySignals = map[string]bool{
	"loop_detected":            true,
	"retry_exhausted":          true,
	"missing_ref":              true,
	"conflicting_instructions": true,
}

// Service manages follow-up task proposals: dedup at submission, review
// priority derivation and promotion into queued jobs.
type Service struct {
	cfg   config.Config
	store store.Store
	queue *queue.Service
	log   *slog.Logger
}

func New(cfg config.Config, st store.Store, q *queue.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: st, queue: q, log: log}
}

// SubmitParams is a proposal submission, usually emitted by a finished run.
type SubmitParams struct {
	Repository        string
	Title             string
	Body              string
	Target            string
	SignalTags        []string
	RequestedPriority string
	SourceJobID       string
}

// DedupKey builds the canonical dedup key for a repository and title.
func DedupKey(repository, title string) (normalizedTitle, hash string) {
	normalizedTitle = contract.Slugify(title)
	key := strings.ToLower(strings.TrimSpace(repository)) + ":" + normalizedTitle
	sum := sha256.Sum256([]byte(key))
	return normalizedTitle, hex.EncodeToString(sum[:])
}

// DerivePriority maps signal tags to a review priority. Unknown tags leave
// the priority at normal.
func DerivePriority(signalTags []string) string {
	priority := models.PriorityNormal
	for _, tag := range signalTags {
		if highPrioritySignals[tag] {
			return models.PriorityHigh
		}
		if tag == "cosmetic" {
			priority = models.PriorityLow
		}
	}
	return priority
}

// Submit records a proposal, merging into a pending duplicate when one
// exists. For the review repository the server-derived priority wins over
// the requested one; other repositories keep the requested priority unless
// a signal forces high. Any override is kept as a note on the row.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (models.Proposal, bool, error) {
	if p.Repository == "" || p.Title == "" {
		return models.Proposal{}, false, fmt.Errorf("%w: repository and title are required", queue.ErrValidation)
	}
	target := p.Target
	if target == "" {
		target = contract.TargetProject
	}
	if target != contract.TargetProject && target != contract.TargetMoonMind {
		return models.Proposal{}, false, fmt.Errorf("%w: unknown proposal target %q", queue.ErrValidation, target)
	}
	if p.SourceJobID != "" {
		job, err := s.store.GetJob(ctx, p.SourceJobID)
		if err != nil {
			return models.Proposal{}, false, err
		}
		policy := contract.EffectivePolicy(job.Payload.ProposalPolicy, s.cfg.ProposalMaxItems)
		if !policy.Allows(target) {
			return models.Proposal{}, false, fmt.Errorf("%w: proposal policy does not allow target %q", queue.ErrValidation, target)
		}
	}

	repository := p.Repository
	if target == contract.TargetMoonMind {
		repository = s.cfg.ReviewRepository
	}

	// Signal-based derivation governs the review repository. Elsewhere the
	// caller's priority stands unless a signal forces high.
	derived := DerivePriority(p.SignalTags)
	priority := derived
	if repository != s.cfg.ReviewRepository && p.RequestedPriority != "" && derived != models.PriorityHigh {
		priority = p.RequestedPriority
	}
	var override *string
	if p.RequestedPriority != "" && p.RequestedPriority != priority {
		note := fmt.Sprintf("requested %s, derived %s from signals", p.RequestedPriority, derived)
		override = &note
	}

	normalized, hash := DedupKey(repository, p.Title)
	var sourceJob *string
	if p.SourceJobID != "" {
		sourceJob = &p.SourceJobID
	}
	prop, merged, err := s.store.SubmitProposal(ctx, store.SubmitProposalParams{
		Repository:             repository,
		Title:                  p.Title,
		NormalizedTitle:        normalized,
		DedupHash:              hash,
		Body:                   p.Body,
		Targets:                []string{target},
		SignalTags:             p.SignalTags,
		ReviewPriority:         priority,
		PriorityOverrideReason: override,
		SourceJobID:            sourceJob,
	}, time.Now().UTC())
	if err != nil {
		return models.Proposal{}, false, err
	}
	if merged {
		telemetry.ProposalsMerged.Inc()
		s.log.Info("proposal merged into pending duplicate", "proposal_id", prop.ID, "occurrences", prop.Occurrences)
	} else {
		s.log.Info("proposal recorded", "proposal_id", prop.ID, "repository", repository, "priority", prop.ReviewPriority)
	}
	return prop, merged, nil
}

// Promote turns a pending proposal into a queued job. Promoting an already
// promoted proposal returns the existing job ID instead of creating a new
// one.
func (s *Service) Promote(ctx context.Context, id string) (models.Proposal, error) {
	prop, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return models.Proposal{}, err
	}
	if prop.Status == models.ProposalPromoted {
		return prop, nil
	}
	if prop.Status == models.ProposalRejected {
		return prop, store.ErrInvalidTransition
	}

	job, _, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:     contract.TypeTask,
		Priority: jobPriorityFor(prop.ReviewPriority),
		Payload: map[string]any{
			"repository": prop.Repository,
			"task": map[string]any{
				"instructions": promotionInstructions(prop),
			},
		},
		IdempotencyKey: "proposal:" + prop.ID,
	})
	if err != nil {
		return models.Proposal{}, err
	}

	promoted, err := s.store.MarkProposalPromoted(ctx, id, job.ID, time.Now().UTC())
	if err != nil {
		return models.Proposal{}, err
	}
	telemetry.ProposalsPromoted.Inc()
	s.log.Info("proposal promoted", "proposal_id", id, "job_id", job.ID)
	return promoted, nil
}

// Reject marks a pending proposal as rejected.
func (s *Service) Reject(ctx context.Context, id, reason string) (models.Proposal, error) {
	return s.store.MarkProposalRejected(ctx, id, reason, time.Now().UTC())
}

func (s *Service) Get(ctx context.Context, id string) (models.Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

func (s *Service) List(ctx context.Context, status string, limit int) ([]models.Proposal, error) {
	return s.store.ListProposals(ctx, status, limit)
}

func promotionInstructions(p models.Proposal) string {
	var b strings.Builder
	b.WriteString(p.Title)
	if p.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(p.Body)
	}
	if len(p.SignalTags) > 0 {
		b.WriteString("\n\nSignals: ")
		b.WriteString(strings.Join(p.SignalTags, ", "))
	}
	return b.String()
}

func jobPriorityFor(reviewPriority string) int {
	switch reviewPriority {
	case models.PriorityUrgent:
		return 10
	case models.PriorityHigh:
		return 5
	case models.PriorityLow:
		return -5
	default:
		return 0
	}
}
