package contract

import (
	"encoding/json"
	"fmt"
)

// Normalize converts an incoming job type and raw payload into the canonical
// task shape. Legacy codex_exec and codex_skill payloads are rewritten at
// ingress so everything downstream sees exactly one contract.
func Normalize(jobType string, raw map[string]any) (TaskPayload, error) {
	switch jobType {
	case TypeTask, "":
		return fromCanonical(raw)
	case TypeCodexExec:
		return fromCodexExec(raw)
	case TypeCodexSkill:
		return fromCodexSkill(raw)
	default:
		return TaskPayload{}, fmt.Errorf("unsupported job type %q", jobType)
	}
}

func fromCanonical(raw map[string]any) (TaskPayload, error) {
	var p TaskPayload
	if err := remarshal(raw, &p); err != nil {
		return TaskPayload{}, err
	}
	applyDefaults(&p)
	return p, nil
}

// legacyExec mirrors the flat payload older producers still send.
type legacyExec struct {
	Repository     string            `json:"repository"`
	Prompt         string            `json:"prompt"`
	Instructions   string            `json:"instructions"`
	Model          string            `json:"model"`
	Effort         string            `json:"effort"`
	StartingBranch string            `json:"starting_branch"`
	NewBranch      string            `json:"new_branch"`
	PublishMode    string            `json:"publish_mode"`
	PRBaseBranch   string            `json:"pr_base_branch"`
	CommitMessage  string            `json:"commit_message"`
	PRTitle        string            `json:"pr_title"`
	PRBody         string            `json:"pr_body"`
	Auth           map[string]string `json:"auth"`
	SkillID        string            `json:"skill_id"`
	Skill          string            `json:"skill"`
	SkillArgs      map[string]string `json:"skill_args"`
}

func fromCodexExec(raw map[string]any) (TaskPayload, error) {
	var l legacyExec
	if err := remarshal(raw, &l); err != nil {
		return TaskPayload{}, err
	}
	instructions := l.Instructions
	if instructions == "" {
		instructions = l.Prompt
	}
	p := TaskPayload{
		Repository:    l.Repository,
		TargetRuntime: RuntimeCodex,
		Auth:          l.Auth,
		Task: TaskSpec{
			Instructions: instructions,
			Runtime:      RuntimeSpec{Mode: "exec", Model: l.Model, Effort: l.Effort},
			Git:          GitSpec{StartingBranch: l.StartingBranch, NewBranch: l.NewBranch},
			Publish: PublishSpec{
				Mode:          l.PublishMode,
				PRBaseBranch:  l.PRBaseBranch,
				CommitMessage: l.CommitMessage,
				PRTitle:       l.PRTitle,
				PRBody:        l.PRBody,
			},
		},
	}
	applyDefaults(&p)
	return p, nil
}

func fromCodexSkill(raw map[string]any) (TaskPayload, error) {
	var l legacyExec
	if err := remarshal(raw, &l); err != nil {
		return TaskPayload{}, err
	}
	skillID := l.SkillID
	if skillID == "" {
		skillID = l.Skill
	}
	if skillID == "" {
		return TaskPayload{}, fmt.Errorf("codex_skill payload requires skill_id")
	}
	p := TaskPayload{
		Repository:    l.Repository,
		TargetRuntime: RuntimeCodex,
		Auth:          l.Auth,
		Task: TaskSpec{
			Skill:   &SkillSpec{ID: skillID, Args: l.SkillArgs},
			Runtime: RuntimeSpec{Mode: "skill", Model: l.Model, Effort: l.Effort},
			Git:     GitSpec{StartingBranch: l.StartingBranch, NewBranch: l.NewBranch},
			Publish: PublishSpec{
				Mode:          l.PublishMode,
				PRBaseBranch:  l.PRBaseBranch,
				CommitMessage: l.CommitMessage,
				PRTitle:       l.PRTitle,
				PRBody:        l.PRBody,
			},
		},
	}
	applyDefaults(&p)
	return p, nil
}

func applyDefaults(p *TaskPayload) {
	if p.TargetRuntime == "" {
		p.TargetRuntime = RuntimeUniversal
	}
	if p.Task.Publish.Mode == "" {
		p.Task.Publish.Mode = PublishNone
	}
	if p.Task.Git.StartingBranch == "" {
		p.Task.Git.StartingBranch = "main"
	}
}

func remarshal(raw map[string]any, dst any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
