package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dispatch"
	"github.com/cuongbtq/buildstash/internal/stats"
	"github.com/gin-gonic/gin"
)

// Compiler serves compile requests.
type Compiler interface {
	Compile(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// DaemonDependencies holds all dependencies needed by the daemon handlers
type DaemonDependencies struct {
	Logger   *slog.Logger
	Compiler Compiler
	Stats    *stats.Stats
}

// DaemonHandler handles requests from compiler wrappers
type DaemonHandler struct {
	logger   *slog.Logger
	compiler Compiler
	stats    *stats.Stats
}

func NewDaemonHandler(deps *DaemonDependencies) *DaemonHandler {
	return &DaemonHandler{
		logger:   deps.Logger,
		compiler: deps.Compiler,
		stats:    deps.Stats,
	}
}

// Compile handles POST /api/v1/compile
func (h *DaemonHandler) Compile(c *gin.Context) {
	var req dto.CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	res, err := h.compiler.Compile(c.Request.Context(), dispatch.Request{
		Args: req.Args,
		Cwd:  req.Cwd,
		Env:  req.Env,
	})
	if err != nil {
		h.logger.Error("Compile failed",
			slog.String("compiler", req.Args[0]),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CompileResponse{
		Code:   res.Output.Code,
		Stdout: res.Output.Stdout,
		Stderr: res.Output.Stderr,
	})
}

// Stats handles GET /api/v1/stats
func (h *DaemonHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Snapshot())
}

// ZeroStats handles POST /api/v1/stats/zero
func (h *DaemonHandler) ZeroStats(c *gin.Context) {
	h.stats.Reset()
	h.logger.Info("Statistics zeroed")
	c.Status(http.StatusNoContent)
}
