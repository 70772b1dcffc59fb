package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/gin-gonic/gin"
)

// ServerDependencies holds all dependencies needed by the build server handlers
type ServerDependencies struct {
	Logger *slog.Logger
	Server dist.ServerIncoming
	// Requester carries the server's state pushes back to the scheduler.
	Requester dist.ServerOutgoing
}

// ServerHandler exposes a dist.ServerIncoming over HTTP
type ServerHandler struct {
	logger    *slog.Logger
	server    dist.ServerIncoming
	requester dist.ServerOutgoing
}

func NewServerHandler(deps *ServerDependencies) *ServerHandler {
	return &ServerHandler{
		logger:    deps.Logger,
		server:    deps.Server,
		requester: deps.Requester,
	}
}

// AssignJob handles POST /api/v1/jobs/:job_id/assign
func (h *ServerHandler) AssignJob(c *gin.Context) {
	jobID := dist.JobID(c.Param("job_id"))

	var req dto.AssignJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	res, err := h.server.HandleAssignJob(c.Request.Context(), jobID, req.Toolchain)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SubmitToolchain handles POST /api/v1/jobs/:job_id/toolchain
// The body is the raw toolchain archive.
func (h *ServerHandler) SubmitToolchain(c *gin.Context) {
	jobID := dist.JobID(c.Param("job_id"))

	res, err := h.server.HandleSubmitToolchain(c.Request.Context(), h.requester, jobID, c.Request.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunJob handles POST /api/v1/jobs/:job_id/run
func (h *ServerHandler) RunJob(c *gin.Context) {
	jobID := dist.JobID(c.Param("job_id"))

	if ct := c.ContentType(); !strings.EqualFold(ct, dto.ContentTypeRunJob) {
		c.JSON(http.StatusUnsupportedMediaType, dto.ErrorResponse{Error: "expected " + dto.ContentTypeRunJob})
		return
	}

	header, inputs, err := dist.ReadRunJobRequest(c.Request.Body)
	if err != nil {
		h.logger.Error("Malformed run request",
			slog.String("job_id", string(jobID)),
			slog.String("error", err.Error()),
		)
		badRequest(c, err.Error())
		return
	}

	res, err := h.server.HandleRunJob(c.Request.Context(), h.requester, jobID, header.Command, header.Outputs, inputs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
