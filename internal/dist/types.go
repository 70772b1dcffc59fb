// Package dist holds the types and capabilities shared by the three parties
// of a distributed compile: the client, the scheduler and the build server.
package dist

import (
	"context"
	"io"
	"time"
)

// JobID identifies one remote compile attempt. Minted by the scheduler, never reused.
type JobID string

// ServerID identifies a build server registered with the scheduler.
type ServerID string

// Toolchain identifies a compiler environment by the sha256 of its archive.
type Toolchain struct {
	ArchiveID string `json:"archive_id" binding:"required"`
}

// CompileCommand is the exact invocation to replay inside the toolchain environment.
// Cwd is relative to the job's build directory on the server.
type CompileCommand struct {
	Executable string   `json:"executable"`
	Arguments  []string `json:"arguments"`
	Env        []string `json:"env,omitempty"`
	Cwd        string   `json:"cwd"`
}

// AssignJobResult is the server's answer to a job assignment.
type AssignJobResult struct {
	NeedToolchain bool     `json:"need_toolchain"`
	State         JobState `json:"state"`
}

// SubmitToolchainStatus describes what a toolchain upload did on the server.
type SubmitToolchainStatus string

const (
	ToolchainInstalled      SubmitToolchainStatus = "INSTALLED"
	ToolchainAlreadyPresent SubmitToolchainStatus = "ALREADY_PRESENT"
)

// SubmitToolchainResult is the outcome of a successful toolchain upload.
type SubmitToolchainResult struct {
	Status SubmitToolchainStatus `json:"status"`
}

// RunJobStatus distinguishes "the server ran the job" from "the server could not run it".
type RunJobStatus string

const (
	RunJobComplete RunJobStatus = "COMPLETE"
	RunJobFailed   RunJobStatus = "FAILED"
)

// ProcessOutput is what the compiler process produced on the server.
type ProcessOutput struct {
	Code   int    `json:"code"`
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
}

// Success reports whether the compiler exited zero.
func (o ProcessOutput) Success() bool {
	return o.Code == 0
}

// OutputData is one named output file of a build.
type OutputData struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// RunJobResult is the execution outcome of a job.
type RunJobResult struct {
	Status  RunJobStatus  `json:"status"`
	Output  ProcessOutput `json:"output"`
	Outputs []OutputData  `json:"outputs,omitempty"`
	Message string        `json:"message,omitempty"`
}

// JobAlloc is what the scheduler hands to a client after assigning a job.
type JobAlloc struct {
	JobID         JobID    `json:"job_id"`
	ServerID      ServerID `json:"server_id"`
	ServerAddr    string   `json:"server_addr"`
	NeedToolchain bool     `json:"need_toolchain"`
	State         JobState `json:"state"`
}

// ServerHeartbeat announces a build server and its capacity to the scheduler.
type ServerHeartbeat struct {
	ServerID ServerID `json:"server_id" binding:"required"`
	Nonce    string   `json:"nonce" binding:"required"`
	NumCPUs  int      `json:"num_cpus" binding:"required,min=1"`
	Addr     string   `json:"addr"`
}

// HeartbeatResult tells the server whether the scheduler saw a new incarnation.
type HeartbeatResult struct {
	IsNew bool `json:"is_new"`
}

// SchedulerStatus summarises the scheduler's view of the cluster.
type SchedulerStatus struct {
	NumServers int `json:"num_servers"`
	NumCPUs    int `json:"num_cpus"`
	InProgress int `json:"in_progress"`
}

// JobInfo is a snapshot of one registry entry.
type JobInfo struct {
	JobID     JobID     `json:"job_id"`
	ServerID  ServerID  `json:"server_id"`
	Toolchain Toolchain `json:"toolchain"`
	State     JobState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerIncoming is the capability of whatever receives jobs. Test doubles
// implement it to simulate misbehaving servers.
type ServerIncoming interface {
	HandleAssignJob(ctx context.Context, jobID JobID, tc Toolchain) (AssignJobResult, error)
	HandleSubmitToolchain(ctx context.Context, requester ServerOutgoing, jobID JobID, tc io.Reader) (SubmitToolchainResult, error)
	HandleRunJob(ctx context.Context, requester ServerOutgoing, jobID JobID, command CompileCommand, outputs []string, inputs io.Reader) (RunJobResult, error)
}

// ServerOutgoing is the push channel a server uses to report job state.
type ServerOutgoing interface {
	DoUpdateJobState(ctx context.Context, jobID JobID, state JobState) error
}

// Client is the client side of the protocol.
type Client interface {
	AllocJob(ctx context.Context, tc Toolchain) (JobAlloc, error)
	SubmitToolchain(ctx context.Context, alloc JobAlloc, tc io.Reader) (SubmitToolchainResult, error)
	RunJob(ctx context.Context, alloc JobAlloc, command CompileCommand, outputs []string, inputs io.Reader) (RunJobResult, error)
}

// NopOutgoing discards state pushes. Used where the receiving side reports state itself.
type NopOutgoing struct{}

func (NopOutgoing) DoUpdateJobState(context.Context, JobID, JobState) error { return nil }
