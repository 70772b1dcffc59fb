package domain

import (
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// Reasons attached to job events.
const (
	ReasonAssigned        = "assigned"
	ReasonServerUpdate    = "server_update"
	ReasonAssignFailed    = "assign_failed"
	ReasonTimedOut        = "timed_out"
	ReasonServerRestarted = "server_restarted"
	ReasonServerLost      = "server_lost"
)

// JobEvent is one recorded job state change.
type JobEvent struct {
	ID        int64         `db:"id" json:"id"`
	JobID     dist.JobID    `db:"job_id" json:"job_id"`
	ServerID  dist.ServerID `db:"server_id" json:"server_id"`
	FromState string        `db:"from_state" json:"from_state,omitempty"`
	ToState   string        `db:"to_state" json:"to_state"`
	Reason    string        `db:"reason" json:"reason"`
	At        time.Time     `db:"at" json:"at"`
}
