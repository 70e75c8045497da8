package models

import "time"

// Proposal lifecycle states.
const (
	ProposalPending  = "pending"
	ProposalPromoted = "promoted"
	ProposalRejected = "rejected"
)

// Review priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Proposal is a follow-up task suggested by an agent run. Pending proposals
// with the same dedup hash are merged instead of duplicated.
type Proposal struct {
	ID                     string     `json:"id"`
	Repository             string     `json:"repository"`
	Title                  string     `json:"title"`
	NormalizedTitle        string     `json:"normalized_title"`
	DedupHash              string     `json:"dedup_hash"`
	Body                   string     `json:"body,omitempty"`
	Targets                []string   `json:"targets"`
	SignalTags             []string   `json:"signal_tags,omitempty"`
	ReviewPriority         string     `json:"review_priority"`
	PriorityOverrideReason *string    `json:"priority_override_reason,omitempty"`
	Status                 string     `json:"status"`
	SourceJobID            *string    `json:"source_job_id,omitempty"`
	PromotedJobID          *string    `json:"promoted_job_id,omitempty"`
	Occurrences            int        `json:"occurrences"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	PromotedAt             *time.Time `json:"promoted_at,omitempty"`
}
