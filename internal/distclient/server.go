package distclient

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dist"
)

// ServerClient talks to a build server's HTTP API. It implements
// dist.ServerIncoming; the requester arguments are ignored because a remote
// server reports state to the scheduler itself.
type ServerClient struct {
	t transport
}

var _ dist.ServerIncoming = (*ServerClient)(nil)

func NewServerClient(baseURL, token string, httpClient *http.Client) *ServerClient {
	return &ServerClient{t: newTransport(baseURL, token, httpClient)}
}

func jobPath(jobID dist.JobID, action string) string {
	return "/api/v1/jobs/" + url.PathEscape(string(jobID)) + "/" + action
}

func (s *ServerClient) HandleAssignJob(ctx context.Context, jobID dist.JobID, tc dist.Toolchain) (dist.AssignJobResult, error) {
	var res dist.AssignJobResult
	err := s.t.doJSON(ctx, http.MethodPost, jobPath(jobID, "assign"), dto.AssignJobRequest{Toolchain: tc}, &res)
	return res, err
}

func (s *ServerClient) HandleSubmitToolchain(ctx context.Context, _ dist.ServerOutgoing, jobID dist.JobID, tc io.Reader) (dist.SubmitToolchainResult, error) {
	var res dist.SubmitToolchainResult
	err := s.t.do(ctx, http.MethodPost, jobPath(jobID, "toolchain"), "application/octet-stream", tc, &res)
	return res, err
}

// HandleRunJob streams the framed request without buffering the inputs.
func (s *ServerClient) HandleRunJob(ctx context.Context, _ dist.ServerOutgoing, jobID dist.JobID, command dist.CompileCommand, outputs []string, inputs io.Reader) (dist.RunJobResult, error) {
	pr, pw := io.Pipe()
	go func() {
		err := dist.WriteRunJobRequest(pw, dist.RunJobHeader{Command: command, Outputs: outputs}, inputs)
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	var res dist.RunJobResult
	err := s.t.do(ctx, http.MethodPost, jobPath(jobID, "run"), dto.ContentTypeRunJob, pr, &res)
	return res, err
}
