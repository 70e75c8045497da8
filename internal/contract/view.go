package contract

import (
	"fmt"
	"strings"
	"unicode"
)

// Slugify lowercases s and collapses everything that is not a letter or
// digit into single hyphens. Used for branch names and dedup keys.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// BranchName returns the working branch for a job: the payload branch when
// set, otherwise a deterministic name derived from the job ID and task.
func BranchName(jobID string, p TaskPayload) string {
	if p.Task.Git.NewBranch != "" {
		return p.Task.Git.NewBranch
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	hint := p.Task.Instructions
	if p.Task.Skill != nil {
		hint = p.Task.Skill.ID
	}
	slug := Slugify(hint)
	if len(slug) > 32 {
		slug = slug[:32]
		if i := strings.LastIndex(slug, "-"); i > 0 {
			slug = slug[:i]
		}
	}
	if slug == "" {
		return fmt.Sprintf("agent/task-%s", short)
	}
	return fmt.Sprintf("agent/task-%s-%s", short, slug)
}

// TaskView is the task_context.json document written into the workspace for
// the agent runtime. Auth stays as opaque references here.
type TaskView struct {
	JobID          string         `json:"jobId"`
	Repository     string         `json:"repository"`
	TargetRuntime  string         `json:"targetRuntime"`
	Branch         string         `json:"branch"`
	StartingBranch string         `json:"startingBranch"`
	Task           TaskSpec       `json:"task"`
	StagePlan      []string       `json:"stagePlan"`
	ProposalPolicy ProposalPolicy `json:"proposalPolicy"`
}

// BuildTaskView assembles the workspace-facing view of a job.
func BuildTaskView(jobID string, p TaskPayload, defaultMaxProposals int) TaskView {
	return TaskView{
		JobID:          jobID,
		Repository:     p.Repository,
		TargetRuntime:  p.TargetRuntime,
		Branch:         BranchName(jobID, p),
		StartingBranch: p.Task.Git.StartingBranch,
		Task:           p.Task,
		StagePlan:      BuildStagePlan(p),
		ProposalPolicy: EffectivePolicy(p.ProposalPolicy, defaultMaxProposals),
	}
}
