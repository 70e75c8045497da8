package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agent-task-queue/internal/artifacts"
	"agent-task-queue/internal/config"
	"agent-task-queue/internal/contract"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/store"
	"agent-task-queue/internal/telemetry"
)

// TaskContextFile is written into every workspace during prepare.
const TaskContextFile = "task_context.json"

// FatalError marks failures that must not be retried: broken payloads,
// missing skills, unknown runtimes, unclonable repositories.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Engine drives a claimed job through its stage plan: prepare the
// workspace, execute the agent runtime, publish results. Only the publish
// stage mutates the remote repository.
type Engine struct {
	cfg      config.Config
	queue    *queue.Service
	store    store.Store
	blobs    artifacts.Storage
	runner   CommandRunner
	adapters map[string]RuntimeAdapter
	log      *slog.Logger
}

func NewEngine(cfg config.Config, q *queue.Service, st store.Store, blobs artifacts.Storage, runner CommandRunner, adapters map[string]RuntimeAdapter, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if adapters == nil {
		adapters = DefaultAdapters(cfg, runner)
	}
	return &Engine{cfg: cfg, queue: q, store: st, blobs: blobs, runner: runner, adapters: adapters, log: log}
}

// Result is the run outcome handed back to the worker loop.
type Result struct {
	Summary string
}

// Run executes the job's stage plan. Quiesce pauses and cancellations are
// honored at stage boundaries via the checkpoint.
func (e *Engine) Run(ctx context.Context, job models.Job, cp *Checkpoint) (Result, error) {
	view := contract.BuildTaskView(job.ID, job.Payload, e.cfg.ProposalMaxItems)
	workDir := filepath.Join(e.cfg.WorkspaceRoot, "runs", job.ID)

	var summary string
	for _, stageName := range view.StagePlan {
		if err := cp.Wait(ctx); err != nil {
			return Result{}, err
		}

		e.event(ctx, job.ID, stageName, models.PhaseStart, "", nil)
		start := time.Now()

		var (
			meta map[string]any
			err  error
		)
		switch stageName {
		case contract.StagePrepare:
			meta, err = e.prepare(ctx, job, view, workDir)
		case contract.StageExecute:
			summary, meta, err = e.execute(ctx, job, view, workDir)
			if err == nil {
				e.capturePatch(ctx, job, workDir)
			}
		case contract.StagePublish:
			var pubSummary string
			pubSummary, meta, err = e.publish(ctx, job, view, workDir)
			if pubSummary != "" {
				summary = pubSummary
			}
		}
		telemetry.StageDuration.WithLabelValues(stageName).Observe(time.Since(start).Seconds())

		if err != nil {
			e.event(ctx, job.ID, stageName, models.PhaseError, err.Error(), nil)
			return Result{}, err
		}
		e.event(ctx, job.ID, stageName, models.PhaseFinish, "", meta)
	}
	return Result{Summary: summary}, nil
}

// prepare clones the repository, creates the working branch, stages the
// selected skill and writes task_context.json. Failures here are fatal:
// a workspace that cannot be prepared will not prepare on retry either.
func (e *Engine) prepare(ctx context.Context, job models.Job, view contract.TaskView, workDir string) (map[string]any, error) {
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fatal(fmt.Errorf("reset workspace: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return nil, fatal(fmt.Errorf("create workspace root: %w", err))
	}

	url := repoURL(e.cfg.GitBaseURL, view.Repository)
	if _, err := e.runner.Run(ctx, filepath.Dir(workDir), nil, "git", "clone", "--branch", view.StartingBranch, "--single-branch", url, workDir); err != nil {
		return nil, fatal(fmt.Errorf("clone %s: %w", view.Repository, err))
	}
	if _, err := e.runner.Run(ctx, workDir, nil, "git", "checkout", "-b", view.Branch); err != nil {
		return nil, fatal(fmt.Errorf("create branch %s: %w", view.Branch, err))
	}

	if view.Task.Skill != nil && e.cfg.SkillsDir != "" {
		skillPath := filepath.Join(e.cfg.SkillsDir, view.Task.Skill.ID)
		if _, err := os.Stat(skillPath); err != nil {
			return nil, fatal(fmt.Errorf("skill %q not found under %s", view.Task.Skill.ID, e.cfg.SkillsDir))
		}
	}

	doc, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fatal(fmt.Errorf("marshal task context: %w", err))
	}
	if err := os.WriteFile(filepath.Join(workDir, TaskContextFile), doc, 0o644); err != nil {
		return nil, fatal(fmt.Errorf("write task context: %w", err))
	}
	e.saveArtifact(ctx, job.ID, TaskContextFile, "application/json", doc)

	return map[string]any{"branch": view.Branch, "starting_branch": view.StartingBranch}, nil
}

// execute dispatches to the runtime adapter. This is the only long-running
// stage; the adapter's combined output is preserved as an artifact whether
// it succeeds or fails.
func (e *Engine) execute(ctx context.Context, job models.Job, view contract.TaskView, workDir string) (string, map[string]any, error) {
	// universal resolves to the worker's default runtime unless a
	// dedicated universal command is configured.
	runtime := view.TargetRuntime
	if runtime == contract.RuntimeUniversal && e.adapters[runtime] == nil {
		runtime = e.cfg.DefaultRuntime
	}
	adapter := e.adapters[runtime]
	if adapter == nil {
		return "", nil, fatal(fmt.Errorf("no runtime adapter for %q", view.TargetRuntime))
	}

	res, err := adapter.Execute(ctx, ExecInput{WorkDir: workDir, View: view, Auth: job.Payload.Auth})
	if res.Output != "" {
		e.saveArtifact(ctx, job.ID, "agent_output.log", "text/plain", []byte(res.Output))
	}
	if err != nil {
		return "", nil, err
	}
	return res.Summary, map[string]any{"runtime": adapter.Name()}, nil
}

// capturePatch stores the working tree diff as an artifact when the run
// changed anything. Best effort.
func (e *Engine) capturePatch(ctx context.Context, job models.Job, workDir string) {
	out, err := e.runner.Run(ctx, workDir, nil, "git", "diff", "HEAD")
	if err != nil {
		e.log.Warn("patch capture failed", "job_id", job.ID, "error", err)
		return
	}
	if strings.TrimSpace(out) == "" {
		return
	}
	e.saveArtifact(ctx, job.ID, "changes.patch", "text/x-patch", []byte(out))
}

// publish commits and pushes the working branch, opening a pull request in
// pr mode. A clean tree publishes nothing and still succeeds. A publish
// failure leaves execute artifacts intact.
func (e *Engine) publish(ctx context.Context, job models.Job, view contract.TaskView, workDir string) (string, map[string]any, error) {
	porcelain, err := e.runner.Run(ctx, workDir, nil, "git", "status", "--porcelain")
	if err != nil {
		return "", nil, fmt.Errorf("inspect working tree: %w", err)
	}
	if strings.TrimSpace(porcelain) == "" {
		return "no changes to publish", map[string]any{"skipped": true}, nil
	}

	commitMsg := view.Task.Publish.CommitMessage
	if commitMsg == "" {
		commitMsg = "Automated agent task " + shortID(job.ID)
	}
	if _, err := e.runner.Run(ctx, workDir, nil, "git", "add", "-A"); err != nil {
		return "", nil, fmt.Errorf("stage changes: %w", err)
	}
	if _, err := e.runner.Run(ctx, workDir, nil, "git", "commit", "-m", commitMsg); err != nil {
		return "", nil, fmt.Errorf("commit changes: %w", err)
	}
	if _, err := e.runner.Run(ctx, workDir, nil, "git", "push", "-u", "origin", view.Branch); err != nil {
		return "", nil, fmt.Errorf("push branch %s: %w", view.Branch, err)
	}

	meta := map[string]any{"branch": view.Branch}
	if view.Task.Publish.Mode != contract.PublishPR {
		return "pushed branch " + view.Branch, meta, nil
	}

	title := view.Task.Publish.PRTitle
	if title == "" {
		title = commitMsg
	}
	out, err := e.runner.Run(ctx, workDir, nil, "gh", "pr", "create",
		"--title", title,
		"--body", view.Task.Publish.PRBody,
		"--base", view.Task.Publish.PRBaseBranch,
		"--head", view.Branch)
	if err != nil {
		return "", nil, fmt.Errorf("open pull request: %w", err)
	}
	if url := firstURL(out); url != "" {
		meta["pr_url"] = url
		return "opened pull request " + url, meta, nil
	}
	return "opened pull request", meta, nil
}

func (e *Engine) saveArtifact(ctx context.Context, jobID, name, contentType string, body []byte) {
	// Write-once per name: a retried attempt keeps the first recording.
	if existing, err := e.store.ListArtifacts(ctx, jobID); err == nil {
		for _, a := range existing {
			if a.Name == name {
				return
			}
		}
	}
	key := artifacts.Key(jobID, name)
	stored, err := e.blobs.Put(ctx, key, body, contentType)
	if err != nil {
		e.log.Warn("artifact upload failed", "job_id", jobID, "name", name, "error", err)
		return
	}
	if _, err := e.store.CreateArtifact(ctx, models.Artifact{
		JobID:       jobID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(len(body)),
		Digest:      artifacts.Digest(body),
		StorageKey:  stored,
	}); err != nil && !errors.Is(err, store.ErrArtifactExists) {
		e.log.Warn("artifact record failed", "job_id", jobID, "name", name, "error", err)
	}
}

func (e *Engine) event(ctx context.Context, jobID, stageName, phase, message string, meta map[string]any) {
	_, err := e.queue.RecordStageEvent(ctx, models.StageEvent{
		JobID:    jobID,
		Stage:    stageName,
		Phase:    phase,
		Message:  message,
		Metadata: meta,
	})
	if err != nil {
		e.log.Warn("stage event record failed", "job_id", jobID, "stage", stageName, "error", err)
	}
}

func repoURL(baseURL, repository string) string {
	if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") {
		return repository
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + repository + ".git"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstURL(s string) string {
	for _, field := range strings.Fields(s) {
		if strings.HasPrefix(field, "https://") || strings.HasPrefix(field, "http://") {
			return field
		}
	}
	return ""
}
