// Package buildserver runs compile jobs handed out by the scheduler.
package buildserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// DefaultUnclaimedTimeout is how long an assigned job may wait for its run request.
const DefaultUnclaimedTimeout = 5 * time.Minute

// Toolchains is the server's view of its toolchain store.
type Toolchains interface {
	Has(tc dist.Toolchain) bool
	Install(ctx context.Context, tc dist.Toolchain, r io.Reader) (dist.SubmitToolchainStatus, error)
}

// Config holds server configuration
type Config struct {
	Logger           *slog.Logger
	Toolchains       Toolchains
	Builder          Builder
	UnclaimedTimeout time.Duration
}

type job struct {
	toolchain  dist.Toolchain
	state      dist.JobState
	assignedAt time.Time
}

// Server implements dist.ServerIncoming.
type Server struct {
	logger           *slog.Logger
	toolchains       Toolchains
	builder          Builder
	unclaimedTimeout time.Duration

	mu   sync.Mutex
	jobs map[dist.JobID]*job
	now  func() time.Time
}

var _ dist.ServerIncoming = (*Server)(nil)

func NewServer(cfg *Config) *Server {
	timeout := cfg.UnclaimedTimeout
	if timeout <= 0 {
		timeout = DefaultUnclaimedTimeout
	}
	return &Server{
		logger:           cfg.Logger,
		toolchains:       cfg.Toolchains,
		builder:          cfg.Builder,
		unclaimedTimeout: timeout,
		jobs:             make(map[dist.JobID]*job),
		now:              time.Now,
	}
}

// HandleAssignJob records the job and reports whether its toolchain must be uploaded.
// Repeating an assignment returns the job's current state.
func (s *Server) HandleAssignJob(ctx context.Context, jobID dist.JobID, tc dist.Toolchain) (dist.AssignJobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[jobID]; ok {
		if j.toolchain != tc {
			return dist.AssignJobResult{}, fmt.Errorf("%w: job %s reassigned with a different toolchain", dist.ErrProtocolViolation, jobID)
		}
		return dist.AssignJobResult{
			NeedToolchain: j.state == dist.JobStateWaitingToolchain,
			State:         j.state,
		}, nil
	}

	state := dist.JobStateWaitingToolchain
	if s.toolchains.Has(tc) {
		state = dist.JobStateReady
	}
	s.jobs[jobID] = &job{toolchain: tc, state: state, assignedAt: s.now()}

	s.logger.Debug("Job assigned",
		slog.String("job_id", string(jobID)),
		slog.String("toolchain", tc.ArchiveID),
		slog.String("state", string(state)),
	)

	return dist.AssignJobResult{
		NeedToolchain: state == dist.JobStateWaitingToolchain,
		State:         state,
	}, nil
}

// HandleSubmitToolchain installs the toolchain of a job waiting for one and pushes Ready.
func (s *Server) HandleSubmitToolchain(ctx context.Context, requester dist.ServerOutgoing, jobID dist.JobID, r io.Reader) (dist.SubmitToolchainResult, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return dist.SubmitToolchainResult{}, fmt.Errorf("%w: %s", dist.ErrJobNotFound, jobID)
	}
	if j.state != dist.JobStateWaitingToolchain {
		state := j.state
		s.mu.Unlock()
		return dist.SubmitToolchainResult{}, fmt.Errorf("%w: job %s is %s, not waiting for a toolchain", dist.ErrProtocolViolation, jobID, state)
	}
	tc := j.toolchain
	s.mu.Unlock()

	status, err := s.toolchains.Install(ctx, tc, r)
	if err != nil {
		s.logger.Warn("Toolchain install failed",
			slog.String("job_id", string(jobID)),
			slog.String("toolchain", tc.ArchiveID),
			slog.String("error", err.Error()),
		)
		return dist.SubmitToolchainResult{}, err
	}

	// Two uploads for one job race here; only the first moves it on.
	s.mu.Lock()
	j, ok = s.jobs[jobID]
	if !ok || j.state != dist.JobStateWaitingToolchain {
		s.mu.Unlock()
		return dist.SubmitToolchainResult{}, fmt.Errorf("%w: job %s changed state during toolchain upload", dist.ErrProtocolViolation, jobID)
	}
	j.state = dist.JobStateReady
	s.mu.Unlock()

	if err := requester.DoUpdateJobState(ctx, jobID, dist.JobStateReady); err != nil {
		return dist.SubmitToolchainResult{}, fmt.Errorf("failed to report job %s ready: %w", jobID, err)
	}

	s.logger.Debug("Toolchain submitted",
		slog.String("job_id", string(jobID)),
		slog.String("toolchain", tc.ArchiveID),
		slog.String("status", string(status)),
	)

	return dist.SubmitToolchainResult{Status: status}, nil
}

// HandleRunJob pushes Started, builds, pushes the terminal state and forgets the job.
// A build that cannot be carried out is reported as a Failed result.
func (s *Server) HandleRunJob(ctx context.Context, requester dist.ServerOutgoing, jobID dist.JobID, command dist.CompileCommand, outputs []string, inputs io.Reader) (dist.RunJobResult, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return dist.RunJobResult{}, fmt.Errorf("%w: %s", dist.ErrJobNotFound, jobID)
	}
	if j.state != dist.JobStateReady {
		state := j.state
		s.mu.Unlock()
		return dist.RunJobResult{}, fmt.Errorf("%w: job %s is %s, not ready to run", dist.ErrProtocolViolation, jobID, state)
	}
	j.state = dist.JobStateStarted
	tc := j.toolchain
	s.mu.Unlock()

	defer s.forget(jobID)

	if err := requester.DoUpdateJobState(ctx, jobID, dist.JobStateStarted); err != nil {
		return dist.RunJobResult{}, fmt.Errorf("failed to report job %s started: %w", jobID, err)
	}

	result, err := s.builder.Build(ctx, BuildRequest{
		JobID:     jobID,
		Toolchain: tc,
		Command:   command,
		Outputs:   outputs,
		Inputs:    inputs,
	})
	if err != nil {
		s.logger.Error("Build failed",
			slog.String("job_id", string(jobID)),
			slog.String("error", err.Error()),
		)
		s.report(ctx, requester, jobID, dist.JobStateFailed)
		return dist.RunJobResult{Status: dist.RunJobFailed, Message: err.Error()}, nil
	}

	s.report(ctx, requester, jobID, dist.JobStateComplete)

	s.logger.Info("Job completed",
		slog.String("job_id", string(jobID)),
		slog.Int("exit_code", result.Output.Code),
		slog.Int("outputs", len(result.Outputs)),
	)
	return result, nil
}

// report pushes a terminal state. The result is already decided, so a failed
// push is only logged; the scheduler will expire the job.
func (s *Server) report(ctx context.Context, requester dist.ServerOutgoing, jobID dist.JobID, state dist.JobState) {
	if err := requester.DoUpdateJobState(ctx, jobID, state); err != nil {
		s.logger.Warn("Failed to report job state",
			slog.String("job_id", string(jobID)),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) forget(jobID dist.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Len returns how many jobs the server is tracking.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ExpireUnclaimed drops jobs that were assigned but never started within the
// unclaimed timeout. It returns how many were dropped.
func (s *Server) ExpireUnclaimed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.now().Add(-s.unclaimedTimeout)
	expired := 0
	for id, j := range s.jobs {
		if j.state != dist.JobStateStarted && j.assignedAt.Before(deadline) {
			delete(s.jobs, id)
			expired++
			s.logger.Info("Dropping unclaimed job",
				slog.String("job_id", string(id)),
				slog.String("state", string(j.state)),
			)
		}
	}
	return expired
}

// Start expires unclaimed jobs periodically until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.unclaimedTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ExpireUnclaimed()
		}
	}
}
