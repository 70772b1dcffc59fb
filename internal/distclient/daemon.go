package distclient

import (
	"context"
	"net/http"

	"github.com/cuongbtq/buildstash/internal/api/dto"
	"github.com/cuongbtq/buildstash/internal/stats"
)

// DaemonClient is used by the compiler wrapper to reach the local daemon.
type DaemonClient struct {
	t transport
}

func NewDaemonClient(baseURL, token string, httpClient *http.Client) *DaemonClient {
	return &DaemonClient{t: newTransport(baseURL, token, httpClient)}
}

// Compile forwards one compiler invocation. An unreachable daemon yields
// dist.ErrUnreachable.
func (d *DaemonClient) Compile(ctx context.Context, req dto.CompileRequest) (dto.CompileResponse, error) {
	var res dto.CompileResponse
	err := d.t.doJSON(ctx, http.MethodPost, "/api/v1/compile", req, &res)
	return res, err
}

func (d *DaemonClient) Stats(ctx context.Context) (stats.Snapshot, error) {
	var snap stats.Snapshot
	err := d.t.doJSON(ctx, http.MethodGet, "/api/v1/stats", nil, &snap)
	return snap, err
}

func (d *DaemonClient) ZeroStats(ctx context.Context) error {
	return d.t.doJSON(ctx, http.MethodPost, "/api/v1/stats/zero", nil, nil)
}
