// Package scheduler assigns compile jobs to build servers and relays job state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/scheduler/domain"
	"github.com/google/uuid"
)

const (
	// DefaultMaxPerCoreLoad is how many outstanding jobs a server may hold per CPU.
	DefaultMaxPerCoreLoad = 10
	// DefaultJobTimeout bounds how long a job may sit without a state change.
	DefaultJobTimeout = 10 * time.Minute
	// DefaultHeartbeatTimeout is how long a silent server is still considered alive.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultSweepInterval is how often expired jobs and dead servers are collected.
	DefaultSweepInterval = 15 * time.Second
)

// Config holds scheduler configuration
type Config struct {
	Logger           *slog.Logger
	Events           EventSink // optional
	MaxPerCoreLoad   int
	JobTimeout       time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

type serverEntry struct {
	id       dist.ServerID
	addr     string
	nonce    string
	numCPUs  int
	handle   dist.ServerIncoming
	lastSeen time.Time
	jobs     map[dist.JobID]struct{}
}

// Scheduler is a directory of build servers and a router of jobs to them.
// It never runs jobs or stores toolchains itself.
type Scheduler struct {
	logger           *slog.Logger
	events           EventSink
	registry         *Registry
	maxPerCoreLoad   int
	jobTimeout       time.Duration
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	mu      sync.Mutex
	servers map[dist.ServerID]*serverEntry

	now      func() time.Time
	newJobID func() dist.JobID
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler with no servers.
func NewScheduler(cfg *Config) *Scheduler {
	s := &Scheduler{
		logger:           cfg.Logger,
		events:           cfg.Events,
		registry:         NewRegistry(),
		maxPerCoreLoad:   cfg.MaxPerCoreLoad,
		jobTimeout:       cfg.JobTimeout,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sweepInterval:    cfg.SweepInterval,
		servers:          make(map[dist.ServerID]*serverEntry),
		now:              time.Now,
		newJobID:         func() dist.JobID { return dist.JobID(uuid.NewString()) },
		stopChan:         make(chan struct{}),
	}
	if s.maxPerCoreLoad <= 0 {
		s.maxPerCoreLoad = DefaultMaxPerCoreLoad
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = DefaultJobTimeout
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	return s
}

// Heartbeat registers a server or refreshes its liveness. A changed nonce means
// the server restarted: jobs held by the previous incarnation are failed.
func (s *Scheduler) Heartbeat(ctx context.Context, hb dist.ServerHeartbeat, handle dist.ServerIncoming) (dist.HeartbeatResult, error) {
	if hb.ServerID == "" || hb.Nonce == "" || hb.NumCPUs <= 0 {
		return dist.HeartbeatResult{}, fmt.Errorf("%w: incomplete heartbeat from %q", dist.ErrProtocolViolation, hb.ServerID)
	}

	s.mu.Lock()
	entry, ok := s.servers[hb.ServerID]
	if ok && entry.nonce == hb.Nonce {
		entry.lastSeen = s.now()
		entry.numCPUs = hb.NumCPUs
		entry.addr = hb.Addr
		entry.handle = handle
		s.mu.Unlock()
		return dist.HeartbeatResult{IsNew: false}, nil
	}

	var orphaned []dist.JobID
	if ok {
		for id := range entry.jobs {
			orphaned = append(orphaned, id)
		}
	}
	s.servers[hb.ServerID] = &serverEntry{
		id:       hb.ServerID,
		addr:     hb.Addr,
		nonce:    hb.Nonce,
		numCPUs:  hb.NumCPUs,
		handle:   handle,
		lastSeen: s.now(),
		jobs:     make(map[dist.JobID]struct{}),
	}
	s.mu.Unlock()

	if ok {
		s.logger.Warn("Server restarted, failing jobs of previous incarnation",
			slog.String("server_id", string(hb.ServerID)),
			slog.Int("jobs", len(orphaned)),
		)
		for _, id := range orphaned {
			s.failJob(id, domain.ReasonServerRestarted)
		}
	} else {
		s.logger.Info("Server registered",
			slog.String("server_id", string(hb.ServerID)),
			slog.String("addr", hb.Addr),
			slog.Int("num_cpus", hb.NumCPUs),
		)
	}

	return dist.HeartbeatResult{IsNew: true}, nil
}

// AssignJob picks the least loaded live server with spare capacity, registers
// a new job and forwards the assignment to that server.
func (s *Scheduler) AssignJob(ctx context.Context, tc dist.Toolchain) (dist.JobAlloc, error) {
	s.mu.Lock()
	entry := s.pickServerLocked()
	if entry == nil {
		s.mu.Unlock()
		return dist.JobAlloc{}, dist.ErrNoServersAvailable
	}

	jobID := s.newJobID()
	info, err := s.registry.Insert(jobID, entry.id, tc)
	if err != nil {
		s.mu.Unlock()
		return dist.JobAlloc{}, err
	}
	entry.jobs[jobID] = struct{}{}
	serverID, addr, handle := entry.id, entry.addr, entry.handle
	s.mu.Unlock()

	s.record(Transition{JobID: jobID, ServerID: serverID, To: dist.JobStateUnassigned, At: info.CreatedAt}, domain.ReasonAssigned)

	res, err := handle.HandleAssignJob(ctx, jobID, tc)
	if err != nil {
		s.failJob(jobID, domain.ReasonAssignFailed)
		if dist.Classify(err) == dist.KindOther {
			err = fmt.Errorf("%w: %v", dist.ErrUnreachable, err)
		}
		s.logger.Warn("Server rejected job assignment",
			slog.String("job_id", string(jobID)),
			slog.String("server_id", string(serverID)),
			slog.String("error", err.Error()),
		)
		return dist.JobAlloc{}, fmt.Errorf("failed to assign job %s to server %s: %w", jobID, serverID, err)
	}

	if res.State != dist.JobStateReady && res.State != dist.JobStateWaitingToolchain {
		s.failJob(jobID, domain.ReasonAssignFailed)
		return dist.JobAlloc{}, fmt.Errorf("%w: server %s answered assignment with state %s", dist.ErrProtocolViolation, serverID, res.State)
	}

	if err := s.applyState(serverID, jobID, res.State, domain.ReasonAssigned); err != nil {
		return dist.JobAlloc{}, err
	}

	s.logger.Debug("Job assigned",
		slog.String("job_id", string(jobID)),
		slog.String("server_id", string(serverID)),
		slog.String("toolchain", tc.ArchiveID),
		slog.Bool("need_toolchain", res.NeedToolchain),
	)

	return dist.JobAlloc{
		JobID:         jobID,
		ServerID:      serverID,
		ServerAddr:    addr,
		NeedToolchain: res.NeedToolchain,
		State:         res.State,
	}, nil
}

// pickServerLocked returns the live server with the lowest load that still
// has capacity, or nil.
func (s *Scheduler) pickServerLocked() *serverEntry {
	now := s.now()

	ids := make([]dist.ServerID, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var best *serverEntry
	var bestLoad float64
	for _, id := range ids {
		entry := s.servers[id]
		if now.Sub(entry.lastSeen) > s.heartbeatTimeout {
			continue
		}
		capacity := entry.numCPUs * s.maxPerCoreLoad
		if len(entry.jobs) >= capacity {
			continue
		}
		load := float64(len(entry.jobs)) / float64(capacity)
		if best == nil || load < bestLoad {
			best, bestLoad = entry, load
		}
	}
	return best
}

// UpdateJobState applies a state pushed by the server owning the job.
func (s *Scheduler) UpdateJobState(ctx context.Context, serverID dist.ServerID, jobID dist.JobID, state dist.JobState) error {
	info, ok := s.registry.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", dist.ErrJobNotFound, jobID)
	}
	if info.ServerID != serverID {
		return fmt.Errorf("%w: job %s belongs to server %s, not %s", dist.ErrProtocolViolation, jobID, info.ServerID, serverID)
	}
	return s.applyState(serverID, jobID, state, domain.ReasonServerUpdate)
}

func (s *Scheduler) applyState(serverID dist.ServerID, jobID dist.JobID, state dist.JobState, reason string) error {
	tr, changed, err := s.registry.Update(jobID, state)
	if err != nil {
		s.logger.Error("Rejected job state update",
			slog.String("job_id", string(jobID)),
			slog.String("server_id", string(serverID)),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !changed {
		return nil
	}

	s.record(tr, reason)
	if state.IsTerminal() {
		s.releaseJob(serverID, jobID)
	}

	s.logger.Debug("Job state updated",
		slog.String("job_id", string(jobID)),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
	)
	return nil
}

// failJob moves a job to FAILED regardless of its owner, ignoring jobs that are gone.
func (s *Scheduler) failJob(jobID dist.JobID, reason string) {
	tr, changed, err := s.registry.Update(jobID, dist.JobStateFailed)
	if err != nil || !changed {
		return
	}
	s.record(tr, reason)
	s.releaseJob(tr.ServerID, jobID)
}

func (s *Scheduler) releaseJob(serverID dist.ServerID, jobID dist.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.servers[serverID]; ok {
		delete(entry.jobs, jobID)
	}
}

func (s *Scheduler) record(tr Transition, reason string) {
	if s.events == nil {
		return
	}
	s.events.Record(domain.JobEvent{
		JobID:     tr.JobID,
		ServerID:  tr.ServerID,
		FromState: string(tr.From),
		ToState:   string(tr.To),
		Reason:    reason,
		At:        tr.At,
	})
}

// Requester returns the push channel a server uses to report state for its jobs.
func (s *Scheduler) Requester(serverID dist.ServerID) dist.ServerOutgoing {
	return &relay{scheduler: s, serverID: serverID}
}

type relay struct {
	scheduler *Scheduler
	serverID  dist.ServerID
}

func (r *relay) DoUpdateJobState(ctx context.Context, jobID dist.JobID, state dist.JobState) error {
	return r.scheduler.UpdateJobState(ctx, r.serverID, jobID, state)
}

// Server returns the handle and address of a registered server.
func (s *Scheduler) Server(id dist.ServerID) (dist.ServerIncoming, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.servers[id]
	if !ok {
		return nil, "", false
	}
	return entry.handle, entry.addr, true
}

// Status summarises live servers and outstanding jobs.
func (s *Scheduler) Status() dist.SchedulerStatus {
	s.mu.Lock()
	now := s.now()
	status := dist.SchedulerStatus{}
	for _, entry := range s.servers {
		if now.Sub(entry.lastSeen) > s.heartbeatTimeout {
			continue
		}
		status.NumServers++
		status.NumCPUs += entry.numCPUs
	}
	s.mu.Unlock()

	status.InProgress = s.registry.Len()
	return status
}

// Jobs lists outstanding jobs.
func (s *Scheduler) Jobs() []dist.JobInfo {
	return s.registry.List()
}

// Job returns one outstanding job.
func (s *Scheduler) Job(id dist.JobID) (dist.JobInfo, bool) {
	return s.registry.Get(id)
}

// Watch subscribes to the state changes of a job.
func (s *Scheduler) Watch(id dist.JobID) (<-chan dist.JobState, func(), error) {
	return s.registry.Watch(id)
}

// Sweep fails jobs that have been idle past the job timeout and drops servers
// whose heartbeats stopped.
func (s *Scheduler) Sweep() {
	for _, info := range s.registry.Expired(s.jobTimeout) {
		s.logger.Warn("Job timed out",
			slog.String("job_id", string(info.JobID)),
			slog.String("server_id", string(info.ServerID)),
			slog.String("state", string(info.State)),
		)
		s.failJob(info.JobID, domain.ReasonTimedOut)
	}

	now := s.now()
	var lost []*serverEntry
	s.mu.Lock()
	for id, entry := range s.servers {
		if now.Sub(entry.lastSeen) > s.heartbeatTimeout {
			lost = append(lost, entry)
			delete(s.servers, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range lost {
		s.logger.Warn("Server heartbeat lost, removing server",
			slog.String("server_id", string(entry.id)),
			slog.Int("jobs", len(entry.jobs)),
		)
		for id := range entry.jobs {
			s.failJob(id, domain.ReasonServerLost)
		}
	}
}

// Start runs the sweeper until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler sweeper started",
		slog.Duration("sweep_interval", s.sweepInterval),
		slog.Duration("job_timeout", s.jobTimeout),
		slog.Duration("heartbeat_timeout", s.heartbeatTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Stop stops the sweeper.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
