package distclient

import (
	"context"
	"fmt"
	"io"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/scheduler"
)

// Local is a dist.Client wired directly to an in-process scheduler and the
// server handles registered with it.
type Local struct {
	scheduler *scheduler.Scheduler
}

var _ dist.Client = (*Local)(nil)

func NewLocal(s *scheduler.Scheduler) *Local {
	return &Local{scheduler: s}
}

func (l *Local) AllocJob(ctx context.Context, tc dist.Toolchain) (dist.JobAlloc, error) {
	return l.scheduler.AssignJob(ctx, tc)
}

func (l *Local) server(alloc dist.JobAlloc) (dist.ServerIncoming, error) {
	handle, _, ok := l.scheduler.Server(alloc.ServerID)
	if !ok {
		return nil, fmt.Errorf("%w: server %s is gone", dist.ErrUnreachable, alloc.ServerID)
	}
	return handle, nil
}

func (l *Local) SubmitToolchain(ctx context.Context, alloc dist.JobAlloc, tc io.Reader) (dist.SubmitToolchainResult, error) {
	handle, err := l.server(alloc)
	if err != nil {
		return dist.SubmitToolchainResult{}, err
	}
	return handle.HandleSubmitToolchain(ctx, l.scheduler.Requester(alloc.ServerID), alloc.JobID, tc)
}

func (l *Local) RunJob(ctx context.Context, alloc dist.JobAlloc, command dist.CompileCommand, outputs []string, inputs io.Reader) (dist.RunJobResult, error) {
	handle, err := l.server(alloc)
	if err != nil {
		return dist.RunJobResult{}, err
	}
	return handle.HandleRunJob(ctx, l.scheduler.Requester(alloc.ServerID), alloc.JobID, command, outputs, inputs)
}

// Heartbeater adapts the scheduler so an in-process server can register itself.
func (l *Local) Heartbeater(handle dist.ServerIncoming) *LocalHeartbeat {
	return &LocalHeartbeat{scheduler: l.scheduler, handle: handle}
}

// LocalHeartbeat delivers heartbeats for one in-process server.
type LocalHeartbeat struct {
	scheduler *scheduler.Scheduler
	handle    dist.ServerIncoming
}

func (h *LocalHeartbeat) Heartbeat(ctx context.Context, hb dist.ServerHeartbeat) (dist.HeartbeatResult, error) {
	return h.scheduler.Heartbeat(ctx, hb, h.handle)
}
