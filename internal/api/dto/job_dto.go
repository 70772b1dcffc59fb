package dto

import "github.com/cuongbtq/buildstash/internal/dist"

type AllocJobRequest struct {
	Toolchain dist.Toolchain `json:"toolchain" binding:"required"`
}

type UpdateJobStateRequest struct {
	ServerID string `json:"server_id" binding:"required"`
	State    string `json:"state" binding:"required"`
}

type ListJobsRequest struct {
	ServerID string `form:"server_id"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string `json:"job_id"`
	ServerID    string `json:"server_id"`
	ToolchainID string `json:"toolchain_id"`
	State       string `json:"state"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type ListJobEventsRequest struct {
	JobID    string `form:"job_id"`
	ServerID string `form:"server_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobEventsResponse struct {
	Events     []JobEventDTO `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type JobEventDTO struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id"`
	ServerID  string `json:"server_id"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
	At        string `json:"at"`
}

// ErrorResponse is the body of every non-2xx response. Kind lets clients
// recover the error class.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
