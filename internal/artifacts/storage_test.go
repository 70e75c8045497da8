package artifacts

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-task-queue/internal/config"
)

func TestLocalRoundTrip(t *testing.T) {
	st, err := New(context.Background(), config.Config{ArtifactDir: t.TempDir()})
	require.NoError(t, err)

	key := Key("job-1", "changes.patch")
	stored, err := st.Put(context.Background(), key, []byte("diff --git a b"), "text/x-patch")
	require.NoError(t, err)
	assert.Equal(t, key, stored)

	rc, err := st.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "diff --git a b", string(body))
}

func TestLocalGetMissing(t *testing.T) {
	st, err := New(context.Background(), config.Config{ArtifactDir: t.TempDir()})
	require.NoError(t, err)

	_, err = st.Get(context.Background(), "job-x/nope.txt")
	assert.Error(t, err)
}

func TestKeySanitizesNames(t *testing.T) {
	assert.Equal(t, "job-1/notes.txt", Key("job-1", "notes.txt"))
	assert.Equal(t, "job-1/passwd", Key("job-1", "../../etc/passwd"))
	assert.Equal(t, "job-1/artifact", Key("job-1", ""))
	assert.Equal(t, "job-1/escape.txt", Key("job-1", "..\\..\\escape.txt"))
}
