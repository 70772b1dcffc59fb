package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/scheduler"
	"github.com/cuongbtq/buildstash/internal/scheduler/domain"
	"github.com/cuongbtq/buildstash/internal/scheduler/storage"
	"github.com/gin-gonic/gin"
)

// EventLister reads the persisted job history.
type EventLister interface {
	ListJobEvents(ctx context.Context, filter storage.EventFilter) ([]domain.JobEvent, error)
}

// SchedulerDependencies holds all dependencies needed by the scheduler handlers
type SchedulerDependencies struct {
	Logger    *slog.Logger
	Scheduler *scheduler.Scheduler
	Events    EventLister // optional
	// Dial returns a handle for the build server listening at addr.
	Dial func(addr string) dist.ServerIncoming
}

// SchedulerHandler handles scheduler HTTP requests
type SchedulerHandler struct {
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	events    EventLister
	dial      func(addr string) dist.ServerIncoming
}

func NewSchedulerHandler(deps *SchedulerDependencies) *SchedulerHandler {
	return &SchedulerHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		dial:      deps.Dial,
	}
}

// AllocJob handles POST /api/v1/jobs
func (h *SchedulerHandler) AllocJob(c *gin.Context) {
	var req dto.AllocJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	alloc, err := h.scheduler.AssignJob(c.Request.Context(), req.Toolchain)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, alloc)
}

// Heartbeat handles POST /api/v1/servers/heartbeat
func (h *SchedulerHandler) Heartbeat(c *gin.Context) {
	var hb dist.ServerHeartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		h.logger.Error("Invalid heartbeat", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}
	if hb.Addr == "" {
		badRequest(c, "addr is required")
		return
	}

	res, err := h.scheduler.Heartbeat(c.Request.Context(), hb, h.dial(hb.Addr))
	if err != nil {
		respondError(c, err)
		return
	}
	if res.IsNew {
		h.logger.Info("Build server registered",
			slog.String("server_id", string(hb.ServerID)),
			slog.String("addr", hb.Addr),
			slog.Int("num_cpus", hb.NumCPUs),
		)
	}
	c.JSON(http.StatusOK, res)
}

// UpdateJobState handles POST /api/v1/jobs/:job_id/state
func (h *SchedulerHandler) UpdateJobState(c *gin.Context) {
	jobID := dist.JobID(c.Param("job_id"))

	var req dto.UpdateJobStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	state, err := dist.ParseJobState(req.State)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.scheduler.UpdateJobState(c.Request.Context(), dist.ServerID(req.ServerID), jobID, state); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status handles GET /api/v1/status
func (h *SchedulerHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *SchedulerHandler) GetJob(c *gin.Context) {
	jobID := dist.JobID(c.Param("job_id"))
	info, ok := h.scheduler.Job(jobID)
	if !ok {
		respondError(c, dist.ErrJobNotFound)
		return
	}
	c.JSON(http.StatusOK, jobToDTO(info))
}

// ListJobs handles GET /api/v1/jobs
// Lists in-progress jobs oldest first with cursor pagination.
func (h *SchedulerHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query parameters")
		return
	}
	req.PageSize = clampPageSize(req.PageSize)

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		badRequest(c, "Invalid cursor")
		return
	}

	var jobs []dist.JobInfo
	for _, info := range h.scheduler.Jobs() {
		if req.ServerID != "" && string(info.ServerID) != req.ServerID {
			continue
		}
		if req.State != "" && string(info.State) != req.State {
			continue
		}
		if cursor != nil && !afterCursor(info, cursor) {
			continue
		}
		jobs = append(jobs, info)
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, info := range jobs {
		resp.Jobs[i] = jobToDTO(info)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: string(last.JobID)})
	}
	c.JSON(http.StatusOK, resp)
}

func afterCursor(info dist.JobInfo, cursor *JobCursor) bool {
	if !info.CreatedAt.Equal(cursor.CreatedAt) {
		return info.CreatedAt.After(cursor.CreatedAt)
	}
	return string(info.JobID) > cursor.JobID
}

// WatchJob handles GET /api/v1/jobs/:job_id/watch
// Streams the job's states as server-sent events until it finishes.
func (h *SchedulerHandler) WatchJob(c *gin.Context) {
	jobID := dist.JobID(c.Param("job_id"))
	states, cancel, err := h.scheduler.Watch(jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case state, ok := <-states:
			if !ok {
				return false
			}
			c.SSEvent("state", string(state))
			return !state.IsTerminal()
		case <-ctx.Done():
			return false
		}
	})
}

// ListJobEvents handles GET /api/v1/job-events
func (h *SchedulerHandler) ListJobEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "job history is not configured"})
		return
	}

	var req dto.ListJobEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query parameters")
		return
	}
	req.PageSize = clampPageSize(req.PageSize)

	cursor, err := DecodeEventCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		badRequest(c, "Invalid cursor")
		return
	}

	events, err := h.events.ListJobEvents(c.Request.Context(), storage.EventFilter{
		JobID:    req.JobID,
		ServerID: req.ServerID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list job events", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list job events"})
		return
	}

	hasMore := len(events) > req.PageSize
	if hasMore {
		events = events[:req.PageSize]
	}

	resp := dto.ListJobEventsResponse{Events: make([]dto.JobEventDTO, len(events))}
	for i, ev := range events {
		resp.Events[i] = dto.JobEventDTO{
			ID:        ev.ID,
			JobID:     string(ev.JobID),
			ServerID:  string(ev.ServerID),
			FromState: ev.FromState,
			ToState:   ev.ToState,
			Reason:    ev.Reason,
			At:        ev.At.Format(time.RFC3339Nano),
		}
	}
	if hasMore {
		last := events[len(events)-1]
		resp.NextCursor = EncodeEventCursor(&storage.EventCursor{At: last.At, ID: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

func jobToDTO(info dist.JobInfo) dto.JobDTO {
	return dto.JobDTO{
		JobID:       string(info.JobID),
		ServerID:    string(info.ServerID),
		ToolchainID: info.Toolchain.ArchiveID,
		State:       string(info.State),
		CreatedAt:   info.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   info.UpdatedAt.Format(time.RFC3339Nano),
	}
}
