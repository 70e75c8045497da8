package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-task-queue/internal/config"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/stage"
	"agent-task-queue/internal/store"
)

// Processor drives the worker loop: claim a job, heartbeat its lease while
// the stage engine runs it, report the outcome. A lost lease abandons the
// run without reporting; the scheduler has already moved on.
type Processor struct {
	cfg          config.Config
	queue        *queue.Service
	engine       *stage.Engine
	workerID     string
	allowedTypes []string
	capabilities []string
	log          *slog.Logger

	pauseVersion int64
}

func NewProcessor(cfg config.Config, q *queue.Service, engine *stage.Engine, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:          cfg,
		queue:        q,
		engine:       engine,
		workerID:     cfg.WorkerID,
		allowedTypes: cfg.WorkerAllowedTypes,
		capabilities: cfg.WorkerCapabilities,
		log:          log,
	}
}

// Run polls for work until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started", "worker_id", p.workerID, "capabilities", p.capabilities)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claim, err := p.queue.Claim(ctx, p.workerID, p.allowedTypes, p.capabilities)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("claim failed", "error", err)
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		if claim.System.WorkersPaused && claim.Job == nil {
			// Log each pause generation once, then back off.
			if claim.System.Version != p.pauseVersion {
				p.pauseVersion = claim.System.Version
				p.log.Info("workers paused",
					"mode", claim.System.Mode,
					"reason", claim.System.Reason,
					"version", claim.System.Version)
			}
			if !sleepCtx(ctx, p.cfg.PausedPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if claim.System.Version != p.pauseVersion {
			p.pauseVersion = claim.System.Version
			p.log.Info("workers resumed", "version", claim.System.Version)
		}

		if claim.Job == nil {
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		p.runClaimed(ctx, *claim.Job, claim.System)
	}
}

func (p *Processor) runClaimed(ctx context.Context, job models.Job, env queue.SystemEnvelope) {
	log := p.log.With("job_id", job.ID, "type", job.Type)
	log.Info("job claimed", "attempt", job.AttemptCount, "repository", job.Payload.Repository)

	cp := stage.NewCheckpoint()
	applyEnvelope(cp, env)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var leaseLost atomic.Bool
	g, hbCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval(p.cfg.LeaseTTL))
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return nil
			case <-ticker.C:
				hb, err := p.queue.Heartbeat(hbCtx, job.ID, p.workerID)
				if err != nil {
					if errors.Is(err, store.ErrLeaseMismatch) ||
						errors.Is(err, store.ErrInvalidTransition) ||
						errors.Is(err, store.ErrJobNotFound) {
						leaseLost.Store(true)
						cancel()
						return nil
					}
					log.Warn("heartbeat failed", "error", err)
					continue
				}
				applyEnvelope(cp, hb.System)
			}
		}
	})

	res, runErr := p.engine.Run(runCtx, job, cp)
	cancel()
	_ = g.Wait()

	if leaseLost.Load() {
		log.Warn("lease lost, abandoning run")
		return
	}
	if ctx.Err() != nil && !cp.Cancelled() {
		// Shutting down mid-run. Leave the lease to expire so the job is
		// requeued untouched.
		log.Info("shutdown during run, releasing via lease expiry")
		return
	}

	// The run context is gone on shutdown; reporting gets its own deadline.
	reportCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	switch {
	case runErr == nil:
		if _, err := p.queue.Complete(reportCtx, job.ID, p.workerID, res.Summary); err != nil {
			log.Error("complete report failed", "error", err)
			return
		}
		log.Info("job succeeded", "summary", res.Summary)
	case errors.Is(runErr, stage.ErrCancelled):
		if _, err := p.queue.Fail(reportCtx, job.ID, p.workerID, "cancelled at checkpoint", true); err != nil {
			log.Error("cancel report failed", "error", err)
			return
		}
		log.Info("job cancelled at checkpoint")
	default:
		retryable := !stage.IsFatal(runErr)
		if _, err := p.queue.Fail(reportCtx, job.ID, p.workerID, runErr.Error(), retryable); err != nil {
			log.Error("failure report failed", "error", err)
			return
		}
		log.Warn("job failed", "error", runErr, "retryable", retryable)
	}
}

// applyEnvelope maps scheduler state onto the run checkpoint. Cancellation
// is sticky; quiesce pauses toggle with the pause state.
func applyEnvelope(cp *stage.Checkpoint, env queue.SystemEnvelope) {
	if env.CancelRequested {
		cp.Cancel()
		return
	}
	cp.SetPaused(env.WorkersPaused && env.Mode == models.PauseModeQuiesce)
}

func heartbeatInterval(leaseTTL time.Duration) time.Duration {
	iv := leaseTTL / 3
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
