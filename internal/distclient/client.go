package distclient

import (
	"context"
	"io"
	"net/http"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// Client is the HTTP implementation of dist.Client: allocation goes to the
// scheduler, toolchains and runs go straight to the assigned server.
type Client struct {
	scheduler *SchedulerClient
	token     string
	http      *http.Client
}

var _ dist.Client = (*Client)(nil)

func NewClient(schedulerURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		scheduler: NewSchedulerClient(schedulerURL, token, httpClient),
		token:     token,
		http:      httpClient,
	}
}

func (c *Client) server(alloc dist.JobAlloc) *ServerClient {
	return NewServerClient(alloc.ServerAddr, c.token, c.http)
}

func (c *Client) AllocJob(ctx context.Context, tc dist.Toolchain) (dist.JobAlloc, error) {
	return c.scheduler.AllocJob(ctx, tc)
}

func (c *Client) SubmitToolchain(ctx context.Context, alloc dist.JobAlloc, tc io.Reader) (dist.SubmitToolchainResult, error) {
	return c.server(alloc).HandleSubmitToolchain(ctx, dist.NopOutgoing{}, alloc.JobID, tc)
}

func (c *Client) RunJob(ctx context.Context, alloc dist.JobAlloc, command dist.CompileCommand, outputs []string, inputs io.Reader) (dist.RunJobResult, error) {
	return c.server(alloc).HandleRunJob(ctx, dist.NopOutgoing{}, alloc.JobID, command, outputs, inputs)
}
