package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-task-queue/internal/models"
)

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewBus(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, closeFn, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer closeFn()

	ev := models.StageEvent{
		Seq:       1,
		JobID:     "job-1",
		Stage:     "execute",
		Phase:     models.PhaseStart,
		Message:   "running",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, bus.Publish(ctx, ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev.Seq, got.Seq)
		assert.Equal(t, "execute", got.Stage)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeIsolatesJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewBus(client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, closeFn, err := bus.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, bus.Publish(ctx, models.StageEvent{JobID: "job-b", Stage: "prepare", Phase: models.PhaseStart}))
	require.NoError(t, bus.Publish(ctx, models.StageEvent{JobID: "job-a", Stage: "publish", Phase: models.PhaseFinish}))

	select {
	case got := <-ch:
		assert.Equal(t, "job-a", got.JobID)
		assert.Equal(t, "publish", got.Stage)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
