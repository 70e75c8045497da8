package queue

import (
	"context"
	"fmt"
	"time"

	"agent-task-queue/internal/models"
	"agent-task-queue/internal/telemetry"
)

// Pause engages the worker-pause gate. Drain blocks new claims; quiesce
// additionally asks running workers to stop at their next checkpoint via
// the heartbeat envelope.
func (s *Service) Pause(ctx context.Context, mode, reason, actor string) (models.PauseSnapshot, error) {
	if mode != models.PauseModeDrain && mode != models.PauseModeQuiesce {
		return models.PauseSnapshot{}, fmt.Errorf("%w: mode must be drain or quiesce", ErrValidation)
	}
	now := time.Now().UTC()
	state, err := s.store.SetPauseState(ctx, true, mode, reason, actor, now)
	if err != nil {
		return models.PauseSnapshot{}, err
	}
	_, _ = s.store.AppendControlEvent(ctx, models.ControlEvent{
		Action:  "pause",
		Actor:   actor,
		Mode:    mode,
		Reason:  reason,
		Version: state.Version,
	})
	telemetry.PauseGauge.Set(1)
	s.log.Info("workers paused", "mode", mode, "reason", reason, "actor", actor, "version", state.Version)
	return s.snapshot(ctx, state, now)
}

// Resume lifts the pause gate.
func (s *Service) Resume(ctx context.Context, actor string) (models.PauseSnapshot, error) {
	now := time.Now().UTC()
	state, err := s.store.SetPauseState(ctx, false, "", "", actor, now)
	if err != nil {
		return models.PauseSnapshot{}, err
	}
	_, _ = s.store.AppendControlEvent(ctx, models.ControlEvent{
		Action:  "resume",
		Actor:   actor,
		Version: state.Version,
	})
	telemetry.PauseGauge.Set(0)
	s.log.Info("workers resumed", "actor", actor, "version", state.Version)
	return s.snapshot(ctx, state, now)
}

// PauseSnapshot reports the current pause state with queue health counts.
func (s *Service) PauseSnapshot(ctx context.Context) (models.PauseSnapshot, error) {
	state, err := s.store.GetPauseState(ctx)
	if err != nil {
		return models.PauseSnapshot{}, err
	}
	return s.snapshot(ctx, state, time.Now().UTC())
}

func (s *Service) snapshot(ctx context.Context, state models.PauseState, now time.Time) (models.PauseSnapshot, error) {
	queued, running, stale, err := s.store.QueueMetrics(ctx, now)
	if err != nil {
		return models.PauseSnapshot{}, err
	}
	return models.PauseSnapshot{
		State:        state,
		Queued:       queued,
		Running:      running,
		StaleRunning: stale,
		IsDrained:    state.Paused && running == 0,
	}, nil
}

// ControlEvents lists recent operator actions, newest first.
func (s *Service) ControlEvents(ctx context.Context, limit int) ([]models.ControlEvent, error) {
	return s.store.ListControlEvents(ctx, limit)
}
