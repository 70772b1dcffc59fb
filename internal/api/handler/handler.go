// Package handler serves the scheduler, build server and daemon HTTP APIs.
package handler

import (
	"errors"
	"net/http"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// StatusForError maps a protocol error to the HTTP status clients decode it from.
func StatusForError(err error) int {
	if errors.Is(err, dist.ErrJobNotFound) {
		return http.StatusNotFound
	}
	switch dist.Classify(err) {
	case dist.KindProtocolViolation:
		return http.StatusConflict
	case dist.KindNoServers:
		return http.StatusServiceUnavailable
	case dist.KindToolchainMismatch:
		return http.StatusUnprocessableEntity
	case dist.KindUnreachable:
		return http.StatusBadGateway
	case dist.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body and records err for the request logger.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(StatusForError(err), dto.ErrorResponse{
		Error: err.Error(),
		Kind:  dist.Classify(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg})
}

func clampPageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
