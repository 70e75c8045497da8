package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	key := RepoKey("acme/widgets")
	allowed, _, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other repositories keep their own budget.
	allowed, _, err = bucket.Allow(ctx, RepoKey("acme/gadgets"))
	require.NoError(t, err)
	assert.True(t, allowed)

	// Refill cannot be tested with miniredis.FastForward: the script takes
	// its clock from the caller, not from Redis.
}
