package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-task-queue/internal/artifacts"
	"agent-task-queue/internal/config"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/proposals"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/store"
)

type apiFixture struct {
	srv   *httptest.Server
	mem   *store.Memory
	blobs artifacts.Storage
	cfg   config.Config
}

func newAPIFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()
	cfg := config.Config{
		LeaseTTL:         time.Minute,
		MaxAttempts:      3,
		RetryBackoffBase: 15 * time.Second,
		RetryBackoffMax:  10 * time.Minute,
		IdempotencyTTL:   time.Hour,
		ArtifactDir:      t.TempDir(),
		ProposalMaxItems: 5,
		ReviewRepository: "MoonLadderStudios/MoonMind",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mem := store.NewMemory()
	q := queue.New(cfg, mem, nil, nil)
	props := proposals.New(cfg, mem, q, nil)
	blobs, err := artifacts.New(context.Background(), cfg)
	require.NoError(t, err)

	server := New(cfg, mem, q, props, blobs, nil, nil, nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, mem: mem, blobs: blobs, cfg: cfg}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func canonicalPayload(repo string) map[string]any {
	return map[string]any{
		"repository":    repo,
		"targetRuntime": "codex",
		"task": map[string]any{
			"instructions": "fix the flaky test",
		},
	}
}

func TestEnqueueAndFetchJob(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var created enqueueResponse
	resp := fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":            "task",
		"payload":         canonicalPayload("acme/widgets"),
		"idempotency_key": "req-1",
	}, &created)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, models.StatusQueued, created.Job.Status)
	assert.False(t, created.Idempotent)
	assert.Contains(t, created.Job.Payload.RequiredCapabilities, "codex")

	var again enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":            "task",
		"payload":         canonicalPayload("acme/widgets"),
		"idempotency_key": "req-1",
	}, &again)
	assert.True(t, again.Idempotent)
	assert.Equal(t, created.Job.ID, again.Job.ID)

	var fetched models.Job
	resp = fx.do(t, http.MethodGet, "/jobs/"+created.Job.ID, "", nil, &fetched)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Job.ID, fetched.ID)

	resp = fx.do(t, http.MethodGet, "/jobs/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueLegacyShapeIsNormalized(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var created enqueueResponse
	resp := fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type": "codex_exec",
		"payload": map[string]any{
			"repository": "acme/widgets",
			"prompt":     "update the changelog",
		},
	}, &created)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "update the changelog", created.Job.Payload.Task.Instructions)
	assert.Equal(t, "codex", created.Job.Payload.TargetRuntime)
}

func TestEnqueueRejectsRawSecret(t *testing.T) {
	fx := newAPIFixture(t, nil)

	payload := canonicalPayload("acme/widgets")
	payload["auth"] = map[string]any{"github": "ghp_rawtoken"}
	resp := fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": payload,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerClaimLifecycle(t *testing.T) {
	fx := newAPIFixture(t, func(c *config.Config) {
		c.WorkerTokens = map[string]string{"w1": "sekret"}
	})

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	resp := fx.do(t, http.MethodPost, "/worker/claim", "", claimRequest{Capabilities: []string{"codex", "git"}}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var claim queue.ClaimResult
	resp = fx.do(t, http.MethodPost, "/worker/claim", "sekret", claimRequest{Capabilities: []string{"codex", "git"}}, &claim)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, claim.Job)
	assert.Equal(t, models.StatusRunning, claim.Job.Status)
	require.NotNil(t, claim.Job.LeaseOwner)
	assert.Equal(t, "w1", *claim.Job.LeaseOwner)
	assert.False(t, claim.System.WorkersPaused)

	var hb queue.HeartbeatResult
	resp = fx.do(t, http.MethodPost, "/worker/heartbeat", "sekret", heartbeatRequest{JobID: claim.Job.ID}, &hb)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var done models.Job
	resp = fx.do(t, http.MethodPost, "/worker/complete", "sekret", completeRequest{
		JobID:         claim.Job.ID,
		ResultSummary: "pushed branch agent/task-xyz",
	}, &done)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusSucceeded, done.Status)
}

func TestHeartbeatFromWrongWorkerConflicts(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	var claim queue.ClaimResult
	fx.do(t, http.MethodPost, "/worker/claim", "", claimRequest{WorkerID: "w1", Capabilities: []string{"codex", "git"}}, &claim)
	require.NotNil(t, claim.Job)

	resp := fx.do(t, http.MethodPost, "/worker/heartbeat", "", heartbeatRequest{WorkerID: "w2", JobID: claim.Job.ID}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPauseGatesClaims(t *testing.T) {
	fx := newAPIFixture(t, func(c *config.Config) {
		c.OperatorToken = "op-token"
	})

	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, nil)

	resp := fx.do(t, http.MethodPost, "/system/workers/pause", "", pauseRequest{Mode: models.PauseModeDrain}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var snap models.PauseSnapshot
	resp = fx.do(t, http.MethodPost, "/system/workers/pause", "op-token", pauseRequest{
		Mode:   models.PauseModeDrain,
		Reason: "maintenance window",
	}, &snap)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, snap.State.Paused)

	var claim queue.ClaimResult
	fx.do(t, http.MethodPost, "/worker/claim", "", claimRequest{WorkerID: "w1", Capabilities: []string{"codex", "git"}}, &claim)
	assert.Nil(t, claim.Job)
	assert.True(t, claim.System.WorkersPaused)
	assert.Equal(t, models.PauseModeDrain, claim.System.Mode)

	// Status endpoint stays readable without the operator token.
	resp = fx.do(t, http.MethodGet, "/system/workers/pause", "", nil, &snap)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, snap.State.Paused)

	fx.do(t, http.MethodPost, "/system/workers/resume", "op-token", resumeRequest{}, &snap)
	assert.False(t, snap.State.Paused)
	assert.Equal(t, int64(2), snap.State.Version)

	fx.do(t, http.MethodPost, "/worker/claim", "", claimRequest{WorkerID: "w1", Capabilities: []string{"codex", "git"}}, &claim)
	assert.NotNil(t, claim.Job)

	var ctrl struct {
		Events []models.ControlEvent `json:"events"`
	}
	resp = fx.do(t, http.MethodGet, "/system/workers/control-events", "op-token", nil, &ctrl)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, ctrl.Events, 2)
}

func TestCancelQueuedJob(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	var cancelled models.Job
	resp := fx.do(t, http.MethodPost, "/jobs/"+created.Job.ID+"/cancel", "", cancelRequest{Reason: "superseded"}, &cancelled)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestStageEventsEndpoint(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	for i := 0; i < 3; i++ {
		_, err := fx.mem.AppendStageEvent(context.Background(), models.StageEvent{
			JobID:   created.Job.ID,
			Stage:   "prepare",
			Phase:   models.PhaseStart,
			Message: fmt.Sprintf("step %d", i),
		})
		require.NoError(t, err)
	}

	var page struct {
		Events []models.StageEvent `json:"events"`
	}
	resp := fx.do(t, http.MethodGet, "/jobs/"+created.Job.ID+"/events", "", nil, &page)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Events, 3)

	after := page.Events[0].Seq
	resp = fx.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s/events?after=%d", created.Job.ID, after), "", nil, &page)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, page.Events, 2)
}

func TestArtifactDownload(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	key := artifacts.Key(created.Job.ID, "agent_output.log")
	stored, err := fx.blobs.Put(context.Background(), key, []byte("run log"), "text/plain")
	require.NoError(t, err)
	art, err := fx.mem.CreateArtifact(context.Background(), models.Artifact{
		JobID:       created.Job.ID,
		Name:        "agent_output.log",
		ContentType: "text/plain",
		SizeBytes:   7,
		StorageKey:  stored,
	})
	require.NoError(t, err)

	var list struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}
	resp := fx.do(t, http.MethodGet, "/jobs/"+created.Job.ID+"/artifacts", "", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Artifacts, 1)

	req, err := http.NewRequest(http.MethodGet, fx.srv.URL+"/artifacts/"+art.ID+"/download", nil)
	require.NoError(t, err)
	dl, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "text/plain", dl.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "run log", buf.String())
}

func TestProposalEndpoints(t *testing.T) {
	fx := newAPIFixture(t, nil)

	var first submitProposalResponse
	resp := fx.do(t, http.MethodPost, "/proposals", "", submitProposalRequest{
		Repository: "acme/widgets",
		Title:      "Fix broken link in README",
		Body:       "The docs link 404s.",
		SignalTags: []string{"missing_ref"},
	}, &first)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.PriorityHigh, first.Proposal.ReviewPriority)
	assert.False(t, first.Merged)

	var dup submitProposalResponse
	resp = fx.do(t, http.MethodPost, "/proposals", "", submitProposalRequest{
		Repository: "acme/widgets",
		Title:      "fix broken link in readme!",
	}, &dup)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, dup.Merged)
	assert.Equal(t, first.Proposal.ID, dup.Proposal.ID)
	assert.Equal(t, 2, dup.Proposal.Occurrences)

	var promoted models.Proposal
	resp = fx.do(t, http.MethodPost, "/proposals/"+first.Proposal.ID+"/promote", "", nil, &promoted)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ProposalPromoted, promoted.Status)
	require.NotNil(t, promoted.PromotedJobID)

	var job models.Job
	resp = fx.do(t, http.MethodGet, "/jobs/"+*promoted.PromotedJobID, "", nil, &job)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusQueued, job.Status)

	resp = fx.do(t, http.MethodPost, "/proposals/"+first.Proposal.ID+"/reject", "", rejectProposalRequest{Reason: "not now"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWorkerUploadsArtifact(t *testing.T) {
	fx := newAPIFixture(t, func(c *config.Config) {
		c.WorkerTokens = map[string]string{"w1": "sekret", "w2": "other"}
	})

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	var claim queue.ClaimResult
	resp := fx.do(t, http.MethodPost, "/worker/claim", "sekret", claimRequest{Capabilities: []string{"codex", "git"}}, &claim)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, claim.Job)

	upload := func(token, name, body string) (*http.Response, models.Artifact) {
		req, err := http.NewRequest(http.MethodPost,
			fx.srv.URL+"/jobs/"+claim.Job.ID+"/artifacts?name="+name,
			bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "text/plain")
		r, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer r.Body.Close()
		var art models.Artifact
		if r.StatusCode == http.StatusCreated {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&art))
		}
		return r, art
	}

	r, art := upload("sekret", "report.txt", "all checks passed")
	assert.Equal(t, http.StatusCreated, r.StatusCode)
	assert.Equal(t, claim.Job.ID, art.JobID)
	assert.Equal(t, int64(len("all checks passed")), art.SizeBytes)
	assert.Equal(t, artifacts.Digest([]byte("all checks passed")), art.Digest)

	// A worker that does not hold the lease is turned away.
	r, _ = upload("other", "sneaky.txt", "nope")
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	// Artifacts are write-once per name.
	r, _ = upload("sekret", "report.txt", "a different body")
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	var list struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}
	resp = fx.do(t, http.MethodGet, "/jobs/"+claim.Job.ID+"/artifacts", "", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, "report.txt", list.Artifacts[0].Name)
}

func TestListJobsFiltersByType(t *testing.T) {
	fx := newAPIFixture(t, nil)

	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, nil)
	_, _, err := fx.mem.CreateJob(context.Background(), store.CreateJobParams{
		Type:        "maintenance",
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	resp := fx.do(t, http.MethodGet, "/jobs?type=maintenance", "", nil, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "maintenance", list.Jobs[0].Type)
}

func TestOperatorAnnotatesJob(t *testing.T) {
	fx := newAPIFixture(t, func(c *config.Config) {
		c.OperatorToken = "op-secret"
	})

	var created enqueueResponse
	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, &created)

	resp := fx.do(t, http.MethodPost, "/jobs/"+created.Job.ID+"/message", "",
		map[string]any{"message": "holding for release window"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var ev models.ControlEvent
	resp = fx.do(t, http.MethodPost, "/jobs/"+created.Job.ID+"/message", "op-secret",
		map[string]any{"message": "holding for release window"}, &ev)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "message", ev.Action)
	assert.Equal(t, created.Job.ID, ev.JobID)
	assert.Equal(t, "holding for release window", ev.Reason)

	resp = fx.do(t, http.MethodPost, "/jobs/nope/message", "op-secret",
		map[string]any{"message": "lost"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerAuthFromParsedEnv(t *testing.T) {
	t.Setenv("WORKER_TOKENS", "w1=sekret")
	parsed := config.Load()
	require.Equal(t, map[string]string{"w1": "sekret"}, parsed.WorkerTokens)

	fx := newAPIFixture(t, func(c *config.Config) {
		c.WorkerTokens = parsed.WorkerTokens
	})

	fx.do(t, http.MethodPost, "/jobs", "", map[string]any{
		"type":    "task",
		"payload": canonicalPayload("acme/widgets"),
	}, nil)

	// The worker ID half of the pair is not a credential.
	resp := fx.do(t, http.MethodPost, "/worker/claim", "w1", claimRequest{Capabilities: []string{"codex", "git"}}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var claim queue.ClaimResult
	resp = fx.do(t, http.MethodPost, "/worker/claim", "sekret", claimRequest{Capabilities: []string{"codex", "git"}}, &claim)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, claim.Job)
	require.NotNil(t, claim.Job.LeaseOwner)
	assert.Equal(t, "w1", *claim.Job.LeaseOwner)
}
