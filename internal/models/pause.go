package models

import "time"

// Pause modes. Drain blocks new claims only; quiesce additionally asks
// running workers to checkpoint and release at the next safe boundary.
const (
	PauseModeDrain   = "drain"
	PauseModeQuiesce = "quiesce"
)

// PauseState is the singleton worker-pause row. Version increments on every
// pause or resume so workers can log transitions exactly once.
type PauseState struct {
	Paused    bool      `json:"paused"`
	Mode      string    `json:"mode,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ControlEvent records an operator action (pause, resume, cancel) for audit.
type ControlEvent struct {
	Seq       int64     `json:"seq"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Version   int64     `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PauseSnapshot is the operator view of the pause state plus queue health.
type PauseSnapshot struct {
	State        PauseState `json:"state"`
	Queued       int64      `json:"queued"`
	Running      int64      `json:"running"`
	StaleRunning int64      `json:"stale_running"`
	IsDrained    bool       `json:"is_drained"`
}
