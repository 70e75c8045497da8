package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"agent-task-queue/internal/config"
	"agent-task-queue/internal/contract"
)

// ExecInput is what a runtime adapter gets to work with: a prepared
// workspace and the task view already written to task_context.json. Auth
// entries are opaque secret references the runtime resolves itself.
type ExecInput struct {
	WorkDir string
	View    contract.TaskView
	Auth    map[string]string
}

// ExecResult is the adapter's report: a short human summary plus the full
// captured output, which the engine stores as an artifact.
type ExecResult struct {
	Summary string
	Output  string
}

// RuntimeAdapter dispatches the execute stage to one agent runtime.
type RuntimeAdapter interface {
	Name() string
	Execute(ctx context.Context, in ExecInput) (ExecResult, error)
}

// cliAdapter shells out to an agent CLI in the workspace directory.
type cliAdapter struct {
	name      string
	cmd       string
	runner    CommandRunner
	buildArgs func(view contract.TaskView) []string
}

func (a *cliAdapter) Name() string { return a.name }

func (a *cliAdapter) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	out, err := a.runner.Run(ctx, in.WorkDir, authEnv(in.Auth), a.cmd, a.buildArgs(in.View)...)
	if err != nil {
		return ExecResult{Output: out}, fmt.Errorf("%s runtime: %w", a.name, err)
	}
	return ExecResult{
		Summary: fmt.Sprintf("%s run finished", a.name),
		Output:  out,
	}, nil
}

// authEnv exposes secret references to the runtime as env vars, e.g.
// auth["github"] becomes GITHUB_SECRET_REF. Values stay opaque references.
func authEnv(auth map[string]string) []string {
	if len(auth) == 0 {
		return nil
	}
	names := make([]string, 0, len(auth))
	for name := range auth {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]string, 0, len(names))
	for _, name := range names {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_SECRET_REF"
		env = append(env, key+"="+auth[name])
	}
	return env
}

// promptFor renders the instruction text handed to a CLI runtime.
func promptFor(view contract.TaskView) string {
	if view.Task.Skill == nil {
		return view.Task.Instructions
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Run the %q skill.", view.Task.Skill.ID)
	if len(view.Task.Skill.Args) > 0 {
		keys := make([]string, 0, len(view.Task.Skill.Args))
		for k := range view.Task.Skill.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" Arguments:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, view.Task.Skill.Args[k])
		}
	}
	if view.Task.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(view.Task.Instructions)
	}
	return b.String()
}

// firstOf picks the task's own runtime setting over the worker default.
// Both empty means the CLI's built-in default applies.
func firstOf(taskValue, workerDefault string) string {
	if taskValue != "" {
		return taskValue
	}
	return workerDefault
}

// DefaultAdapters wires the CLI adapters for every runtime the config
// names. The universal adapter is only registered when a command is set;
// it receives the task_context.json path instead of a prompt.
func DefaultAdapters(cfg config.Config, runner CommandRunner) map[string]RuntimeAdapter {
	adapters := map[string]RuntimeAdapter{
		contract.RuntimeCodex: &cliAdapter{
			name:   contract.RuntimeCodex,
			cmd:    cfg.CodexCmd,
			runner: runner,
			buildArgs: func(view contract.TaskView) []string {
				args := []string{"exec"}
				if model := firstOf(view.Task.Runtime.Model, cfg.CodexModel); model != "" {
					args = append(args, "--model", model)
				}
				if effort := firstOf(view.Task.Runtime.Effort, cfg.CodexEffort); effort != "" {
					args = append(args, "--config", "model_reasoning_effort="+effort)
				}
				return append(args, promptFor(view))
			},
		},
		contract.RuntimeGemini: &cliAdapter{
			name:   contract.RuntimeGemini,
			cmd:    cfg.GeminiCmd,
			runner: runner,
			buildArgs: func(view contract.TaskView) []string {
				args := []string{"--yolo"}
				if model := firstOf(view.Task.Runtime.Model, cfg.GeminiModel); model != "" {
					args = append(args, "-m", model)
				}
				return append(args, "-p", promptFor(view))
			},
		},
		contract.RuntimeClaude: &cliAdapter{
			name:   contract.RuntimeClaude,
			cmd:    cfg.ClaudeCmd,
			runner: runner,
			buildArgs: func(view contract.TaskView) []string {
				args := []string{"-p", promptFor(view)}
				if model := firstOf(view.Task.Runtime.Model, cfg.ClaudeModel); model != "" {
					args = append(args, "--model", model)
				}
				return args
			},
		},
	}
	if cfg.UniversalCmd != "" {
		adapters[contract.RuntimeUniversal] = &cliAdapter{
			name:   contract.RuntimeUniversal,
			cmd:    cfg.UniversalCmd,
			runner: runner,
			buildArgs: func(view contract.TaskView) []string {
				return []string{filepath.Join(".", TaskContextFile)}
			},
		}
	}
	return adapters
}
