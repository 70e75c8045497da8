package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-task-queue/internal/artifacts"
	"agent-task-queue/internal/config"
	"agent-task-queue/internal/contract"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/store"
)

type fakeRunner struct {
	calls     []string
	diff      string
	porcelain string
	failOn    string
}

func (f *fakeRunner) Run(_ context.Context, dir string, _ []string, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return "", fmt.Errorf("command failed: %s", cmd)
	}
	if name == "git" && len(args) > 0 {
		switch args[0] {
		case "clone":
			// Last arg is the target directory.
			if err := os.MkdirAll(args[len(args)-1], 0o755); err != nil {
				return "", err
			}
		case "diff":
			return f.diff, nil
		case "status":
			return f.porcelain, nil
		}
	}
	if name == "gh" {
		return "https://github.com/acme/widgets/pull/7\n", nil
	}
	return "", nil
}

func (f *fakeRunner) called(sub string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

type funcAdapter struct {
	name string
	fn   func(ctx context.Context, in ExecInput) (ExecResult, error)
}

func (a funcAdapter) Name() string { return a.name }
func (a funcAdapter) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	return a.fn(ctx, in)
}

type fixture struct {
	engine *Engine
	mem    *store.Memory
	runner *fakeRunner
	cfg    config.Config
}

func newFixture(t *testing.T, runner *fakeRunner, adapter RuntimeAdapter) *fixture {
	t.Helper()
	cfg := config.Config{
		WorkspaceRoot:    t.TempDir(),
		ArtifactDir:      t.TempDir(),
		GitBaseURL:       "https://github.com",
		ProposalMaxItems: 5,
		LeaseTTL:         time.Minute,
		MaxAttempts:      3,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		DefaultRuntime:   contract.RuntimeCodex,
	}
	mem := store.NewMemory()
	q := queue.New(cfg, mem, nil, nil)
	blobs, err := artifacts.New(context.Background(), cfg)
	require.NoError(t, err)

	adapters := map[string]RuntimeAdapter{}
	if adapter != nil {
		adapters[adapter.Name()] = adapter
	}
	return &fixture{
		engine: NewEngine(cfg, q, mem, blobs, runner, adapters, nil),
		mem:    mem,
		runner: runner,
		cfg:    cfg,
	}
}

func testJob(publishMode string) models.Job {
	return models.Job{
		ID: "123e4567-e89b-4d3a-a456-426614174000",
		Payload: contract.TaskPayload{
			Repository:    "acme/widgets",
			TargetRuntime: contract.RuntimeCodex,
			Task: contract.TaskSpec{
				Instructions: "fix the build",
				Git:          contract.GitSpec{StartingBranch: "main"},
				Publish: contract.PublishSpec{
					Mode:         publishMode,
					PRBaseBranch: "main",
				},
			},
		},
	}
}

func workAdapter(output string) RuntimeAdapter {
	return funcAdapter{name: contract.RuntimeCodex, fn: func(_ context.Context, _ ExecInput) (ExecResult, error) {
		return ExecResult{Summary: "codex run finished", Output: output}, nil
	}}
}

func artifactNames(t *testing.T, mem *store.Memory, jobID string) []string {
	t.Helper()
	arts, err := mem.ListArtifacts(context.Background(), jobID)
	require.NoError(t, err)
	names := make([]string, 0, len(arts))
	for _, a := range arts {
		names = append(names, a.Name)
	}
	return names
}

func TestRunBranchPublish(t *testing.T) {
	runner := &fakeRunner{diff: "diff --git a b", porcelain: " M main.go"}
	fx := newFixture(t, runner, workAdapter("did work"))
	job := testJob(contract.PublishBranch)

	res, err := fx.engine.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "pushed branch agent/task-123e4567-fix-the-build")

	assert.True(t, runner.called("git clone --branch main"))
	assert.True(t, runner.called("git checkout -b agent/task-123e4567-fix-the-build"))
	assert.True(t, runner.called("git push -u origin"))
	assert.False(t, runner.called("gh pr create"))

	// task_context.json lands in the workspace for the runtime to read.
	ctxPath := filepath.Join(fx.cfg.WorkspaceRoot, "runs", job.ID, TaskContextFile)
	_, err = os.Stat(ctxPath)
	require.NoError(t, err)

	names := artifactNames(t, fx.mem, job.ID)
	assert.Contains(t, names, TaskContextFile)
	assert.Contains(t, names, "agent_output.log")
	assert.Contains(t, names, "changes.patch")

	evs, err := fx.mem.ListStageEvents(context.Background(), job.ID, 0, 50)
	require.NoError(t, err)
	var seq []string
	for _, ev := range evs {
		seq = append(seq, ev.Stage+":"+ev.Phase)
	}
	assert.Equal(t, []string{
		"prepare:start", "prepare:finish",
		"execute:start", "execute:finish",
		"publish:start", "publish:finish",
	}, seq)
}

func TestRunOmitsPublishForNoneMode(t *testing.T) {
	runner := &fakeRunner{diff: ""}
	fx := newFixture(t, runner, workAdapter("read only"))
	job := testJob(contract.PublishNone)

	_, err := fx.engine.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.False(t, runner.called("git push"))
	assert.False(t, runner.called("git status"))

	evs, err := fx.mem.ListStageEvents(context.Background(), job.ID, 0, 50)
	require.NoError(t, err)
	for _, ev := range evs {
		assert.NotEqual(t, contract.StagePublish, ev.Stage)
	}
}

func TestRunPRMode(t *testing.T) {
	runner := &fakeRunner{diff: "d", porcelain: " M a.go"}
	fx := newFixture(t, runner, workAdapter("done"))
	job := testJob(contract.PublishPR)

	res, err := fx.engine.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "https://github.com/acme/widgets/pull/7")
	assert.True(t, runner.called("gh pr create"))

	evs, err := fx.mem.ListStageEvents(context.Background(), job.ID, 0, 50)
	require.NoError(t, err)
	var prURL string
	for _, ev := range evs {
		if ev.Stage == contract.StagePublish && ev.Phase == models.PhaseFinish {
			prURL, _ = ev.Metadata["pr_url"].(string)
		}
	}
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", prURL)
}

func TestPublishSkippedOnCleanTree(t *testing.T) {
	runner := &fakeRunner{diff: "", porcelain: ""}
	fx := newFixture(t, runner, workAdapter("nothing changed"))
	job := testJob(contract.PublishBranch)

	res, err := fx.engine.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, "no changes to publish", res.Summary)
	assert.False(t, runner.called("git push"))
}

func TestPrepareFailureIsFatal(t *testing.T) {
	runner := &fakeRunner{failOn: "clone"}
	fx := newFixture(t, runner, workAdapter(""))
	job := testJob(contract.PublishNone)

	_, err := fx.engine.Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	evs, lerr := fx.mem.ListStageEvents(context.Background(), job.ID, 0, 50)
	require.NoError(t, lerr)
	require.Len(t, evs, 2)
	assert.Equal(t, models.PhaseError, evs[1].Phase)
}

func TestExecuteFailureKeepsOutput(t *testing.T) {
	runner := &fakeRunner{}
	failing := funcAdapter{name: contract.RuntimeCodex, fn: func(_ context.Context, _ ExecInput) (ExecResult, error) {
		return ExecResult{Output: "partial log"}, errors.New("runtime exploded")
	}}
	fx := newFixture(t, runner, failing)
	job := testJob(contract.PublishNone)

	_, err := fx.engine.Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Contains(t, artifactNames(t, fx.mem, job.ID), "agent_output.log")
}

func TestUnknownRuntimeIsFatal(t *testing.T) {
	runner := &fakeRunner{}
	fx := newFixture(t, runner, nil)
	job := testJob(contract.PublishNone)

	_, err := fx.engine.Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestCancelledCheckpointStopsRun(t *testing.T) {
	runner := &fakeRunner{}
	fx := newFixture(t, runner, workAdapter("unused"))
	job := testJob(contract.PublishNone)

	cp := NewCheckpoint()
	cp.Cancel()
	_, err := fx.engine.Run(context.Background(), job, cp)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, runner.calls)
}

func TestCheckpointPauseAndRelease(t *testing.T) {
	cp := NewCheckpoint()
	cp.SetPaused(true)

	released := make(chan error, 1)
	go func() { released <- cp.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("wait returned while paused")
	case <-time.After(100 * time.Millisecond):
	}

	cp.SetPaused(false)
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not release after unpause")
	}
}

func TestAuthEnv(t *testing.T) {
	env := authEnv(map[string]string{
		"github":      "vault://kv/github#token",
		"npm-publish": "vault://kv/npm#token",
	})
	assert.Equal(t, []string{
		"GITHUB_SECRET_REF=vault://kv/github#token",
		"NPM_PUBLISH_SECRET_REF=vault://kv/npm#token",
	}, env)
}

func TestRepoURL(t *testing.T) {
	assert.Equal(t, "https://github.com/acme/widgets.git", repoURL("https://github.com", "acme/widgets"))
	assert.Equal(t, "git@github.com:acme/widgets.git", repoURL("https://github.com", "git@github.com:acme/widgets.git"))
	assert.Equal(t, "https://gitlab.com/acme/widgets.git", repoURL("https://gitlab.com/", "acme/widgets"))
}

func TestUniversalRuntimeFallsBackToWorkerDefault(t *testing.T) {
	runner := &fakeRunner{}
	fx := newFixture(t, runner, workAdapter("handled by the default runtime"))
	job := testJob(contract.PublishNone)
	job.Payload.TargetRuntime = contract.RuntimeUniversal

	res, err := fx.engine.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, "codex run finished", res.Summary)
}

func TestUniversalRuntimePrefersDedicatedAdapter(t *testing.T) {
	runner := &fakeRunner{}
	fx := newFixture(t, runner, funcAdapter{name: contract.RuntimeUniversal,
		fn: func(_ context.Context, _ ExecInput) (ExecResult, error) {
			return ExecResult{Summary: "universal run finished"}, nil
		}})
	job := testJob(contract.PublishNone)
	job.Payload.TargetRuntime = contract.RuntimeUniversal

	res, err := fx.engine.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, "universal run finished", res.Summary)
}

func TestRuntimeArgsHonorWorkerDefaults(t *testing.T) {
	cfg := config.Config{
		CodexCmd:    "codex",
		GeminiCmd:   "gemini",
		ClaudeCmd:   "claude",
		CodexModel:  "o4",
		CodexEffort: "high",
	}
	runner := &fakeRunner{}
	adapters := DefaultAdapters(cfg, runner)

	view := contract.TaskView{TargetRuntime: contract.RuntimeCodex,
		Task: contract.TaskSpec{Instructions: "fix the build"}}
	_, err := adapters[contract.RuntimeCodex].Execute(context.Background(), ExecInput{View: view})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0], "--model o4")
	assert.Contains(t, runner.calls[0], "model_reasoning_effort=high")

	// The task's own runtime settings win over the worker defaults.
	view.Task.Runtime = contract.RuntimeSpec{Model: "o3", Effort: "low"}
	_, err = adapters[contract.RuntimeCodex].Execute(context.Background(), ExecInput{View: view})
	require.NoError(t, err)
	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[1], "--model o3")
	assert.Contains(t, runner.calls[1], "model_reasoning_effort=low")
}
