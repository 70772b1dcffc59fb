package distclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/dist"
)

// SchedulerClient talks to the scheduler's HTTP API.
type SchedulerClient struct {
	t transport
}

func NewSchedulerClient(baseURL, token string, httpClient *http.Client) *SchedulerClient {
	return &SchedulerClient{t: newTransport(baseURL, token, httpClient)}
}

func (s *SchedulerClient) AllocJob(ctx context.Context, tc dist.Toolchain) (dist.JobAlloc, error) {
	var alloc dist.JobAlloc
	err := s.t.doJSON(ctx, http.MethodPost, "/api/v1/jobs", dto.AllocJobRequest{Toolchain: tc}, &alloc)
	return alloc, err
}

func (s *SchedulerClient) Heartbeat(ctx context.Context, hb dist.ServerHeartbeat) (dist.HeartbeatResult, error) {
	var res dist.HeartbeatResult
	err := s.t.doJSON(ctx, http.MethodPost, "/api/v1/servers/heartbeat", hb, &res)
	return res, err
}

func (s *SchedulerClient) UpdateJobState(ctx context.Context, serverID dist.ServerID, jobID dist.JobID, state dist.JobState) error {
	req := dto.UpdateJobStateRequest{ServerID: string(serverID), State: string(state)}
	return s.t.doJSON(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(string(jobID))+"/state", req, nil)
}

func (s *SchedulerClient) Status(ctx context.Context) (dist.SchedulerStatus, error) {
	var status dist.SchedulerStatus
	err := s.t.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &status)
	return status, err
}

// Requester returns the push channel a build server uses to report its jobs.
func (s *SchedulerClient) Requester(serverID dist.ServerID) dist.ServerOutgoing {
	return &schedulerRequester{client: s, serverID: serverID}
}

type schedulerRequester struct {
	client   *SchedulerClient
	serverID dist.ServerID
}

func (r *schedulerRequester) DoUpdateJobState(ctx context.Context, jobID dist.JobID, state dist.JobState) error {
	return r.client.UpdateJobState(ctx, r.serverID, jobID, state)
}
