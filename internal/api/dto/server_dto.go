package dto

import "github.com/cuongbtq/buildstash/internal/dist"

type AssignJobRequest struct {
	Toolchain dist.Toolchain `json:"toolchain" binding:"required"`
}

// ContentTypeRunJob is the media type of a framed run-job request body.
const ContentTypeRunJob = "application/vnd.buildstash.run-job"
