package contract

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Canonical job type plus the legacy aliases normalized at ingress.
const (
	TypeTask       = "task"
	TypeCodexExec  = "codex_exec"
	TypeCodexSkill = "codex_skill"
)

// Target runtimes a task can be dispatched to.
const (
	RuntimeCodex     = "codex"
	RuntimeGemini    = "gemini"
	RuntimeClaude    = "claude"
	RuntimeUniversal = "universal"
)

// Publish modes.
const (
	PublishNone   = "none"
	PublishBranch = "branch"
	PublishPR     = "pr"
)

// Proposal targets.
const (
	TargetProject  = "project"
	TargetMoonMind = "moonmind"
)

// SecretRefScheme prefixes every auth reference. Payloads never carry raw
// secrets; workers resolve references at execution time.
const SecretRefScheme = "vault://"

// TaskPayload is the canonical payload shape every job carries after
// normalization.
type TaskPayload struct {
	Repository           string         `json:"repository" validate:"required"`
	RequiredCapabilities []string       `json:"requiredCapabilities"`
	TargetRuntime        string         `json:"targetRuntime" validate:"required,oneof=codex gemini claude universal"`
	Task                 TaskSpec       `json:"task"`
	Auth                 map[string]string `json:"auth,omitempty"`
	ProposalPolicy       ProposalPolicy `json:"proposalPolicy"`
}

// TaskSpec describes what the agent should do and how results are published.
type TaskSpec struct {
	Instructions string      `json:"instructions"`
	Skill        *SkillSpec  `json:"skill,omitempty"`
	Runtime      RuntimeSpec `json:"runtime"`
	Git          GitSpec     `json:"git"`
	Publish      PublishSpec `json:"publish"`
}

// SkillSpec selects a named skill with arguments instead of free-form
// instructions.
type SkillSpec struct {
	ID   string            `json:"id" validate:"required"`
	Args map[string]string `json:"args,omitempty"`
}

// RuntimeSpec tunes the agent runtime invocation.
type RuntimeSpec struct {
	Mode   string `json:"mode,omitempty"`
	Model  string `json:"model,omitempty"`
	Effort string `json:"effort,omitempty"`
}

// GitSpec pins the branches a run starts from and writes to. NewBranch is
// optional; a deterministic name is derived from the job ID when empty.
type GitSpec struct {
	StartingBranch string `json:"startingBranch,omitempty"`
	NewBranch      string `json:"newBranch,omitempty"`
}

// PublishSpec controls the publish stage.
type PublishSpec struct {
	Mode          string `json:"mode" validate:"omitempty,oneof=none branch pr"`
	PRBaseBranch  string `json:"prBaseBranch,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
	PRTitle       string `json:"prTitle,omitempty"`
	PRBody        string `json:"prBody,omitempty"`
}

// ProposalPolicy bounds what follow-up proposals a run may emit.
type ProposalPolicy struct {
	Targets               []string `json:"targets,omitempty"`
	MaxItems              int      `json:"maxItems,omitempty"`
	MinSeverityForMoonMind string  `json:"minSeverityForMoonMind,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a canonical payload for shape errors. It is called after
// normalization, so legacy fields are never seen here.
func Validate(p TaskPayload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	if p.Task.Instructions == "" && p.Task.Skill == nil {
		return fmt.Errorf("invalid task payload: either task.instructions or task.skill is required")
	}
	if p.Task.Publish.Mode == PublishPR && p.Task.Publish.PRBaseBranch == "" {
		return fmt.Errorf("invalid task payload: publish.prBaseBranch is required for pr mode")
	}
	for name, ref := range p.Auth {
		if err := ValidateSecretRef(ref); err != nil {
			return fmt.Errorf("invalid task payload: auth[%s]: %w", name, err)
		}
	}
	for _, t := range p.ProposalPolicy.Targets {
		if t != TargetProject && t != TargetMoonMind {
			return fmt.Errorf("invalid task payload: unknown proposal target %q", t)
		}
	}
	return nil
}

// ValidateSecretRef rejects anything that is not an opaque vault reference
// of the form vault://mount/path#field.
func ValidateSecretRef(ref string) error {
	if !strings.HasPrefix(ref, SecretRefScheme) {
		return fmt.Errorf("secret reference must start with %s", SecretRefScheme)
	}
	rest := strings.TrimPrefix(ref, SecretRefScheme)
	path, field, ok := strings.Cut(rest, "#")
	if !ok || path == "" || field == "" {
		return fmt.Errorf("secret reference must name a path and field")
	}
	return nil
}

// DeriveCapabilities computes the capability set a worker must hold to run
// the payload: the target runtime, git for any repository work, gh when a
// pull request will be opened, and whatever the selected skill demands.
func DeriveCapabilities(p TaskPayload, skillCaps []string) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	add(p.TargetRuntime)
	add("git")
	if p.Task.Publish.Mode == PublishPR {
		add("gh")
	}
	for _, c := range skillCaps {
		add(c)
	}
	return out
}

// Stage names, in execution order.
const (
	StagePrepare = "prepare"
	StageExecute = "execute"
	StagePublish = "publish"
)

// BuildStagePlan returns the ordered stages for a payload. Publish is
// omitted entirely when publish mode is none.
func BuildStagePlan(p TaskPayload) []string {
	plan := []string{StagePrepare, StageExecute}
	if p.Task.Publish.Mode == PublishBranch || p.Task.Publish.Mode == PublishPR {
		plan = append(plan, StagePublish)
	}
	return plan
}

// EffectivePolicy resolves a payload policy against server defaults.
func EffectivePolicy(p ProposalPolicy, defaultMaxItems int) ProposalPolicy {
	out := p
	if len(out.Targets) == 0 {
		out.Targets = []string{TargetProject}
	}
	if out.MaxItems <= 0 {
		out.MaxItems = defaultMaxItems
	}
	if out.MinSeverityForMoonMind == "" {
		out.MinSeverityForMoonMind = "normal"
	}
	return out
}

// Allows reports whether the policy permits proposals for the given target.
func (p ProposalPolicy) Allows(target string) bool {
	for _, t := range p.Targets {
		if t == target {
			return true
		}
	}
	return false
}
