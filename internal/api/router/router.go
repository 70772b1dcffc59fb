package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/buildstash/internal/api/handler"
	"github.com/gin-gonic/gin"
)

func newEngine(logger *slog.Logger, service, token string, extra ...gin.HandlerFunc) (*gin.Engine, *gin.RouterGroup) {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(extra...)

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(token))
	return r, v1
}

// SetupSchedulerRouter configures the scheduler routes
func SetupSchedulerRouter(deps *handler.SchedulerDependencies, token string) *gin.Engine {
	r, v1 := newEngine(deps.Logger, "scheduler", token, CORSMiddleware())

	h := handler.NewSchedulerHandler(deps)

	jobs := v1.Group("/jobs")
	{
		// POST /api/v1/jobs - Allocate a job on a build server
		jobs.POST("", h.AllocJob)

		// GET /api/v1/jobs - List in-progress jobs
		jobs.GET("", h.ListJobs)

		jobs.GET("/:job_id", h.GetJob)

		// GET /api/v1/jobs/:job_id/watch - Stream job states
		jobs.GET("/:job_id/watch", h.WatchJob)

		// POST /api/v1/jobs/:job_id/state - Build server state push
		jobs.POST("/:job_id/state", h.UpdateJobState)
	}

	v1.POST("/servers/heartbeat", h.Heartbeat)
	v1.GET("/status", h.Status)
	v1.GET("/job-events", h.ListJobEvents)

	return r
}

// SetupServerRouter configures the build server routes
func SetupServerRouter(deps *handler.ServerDependencies, token string) *gin.Engine {
	r, v1 := newEngine(deps.Logger, "build-server", token)

	h := handler.NewServerHandler(deps)

	jobs := v1.Group("/jobs")
	{
		jobs.POST("/:job_id/assign", h.AssignJob)
		jobs.POST("/:job_id/toolchain", h.SubmitToolchain)
		jobs.POST("/:job_id/run", h.RunJob)
	}

	return r
}

// SetupDaemonRouter configures the local daemon routes
func SetupDaemonRouter(deps *handler.DaemonDependencies, token string) *gin.Engine {
	r, v1 := newEngine(deps.Logger, "buildstash", token)

	h := handler.NewDaemonHandler(deps)

	v1.POST("/compile", h.Compile)
	v1.GET("/stats", h.Stats)
	v1.POST("/stats/zero", h.ZeroStats)

	return r
}
