package distclient_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/buildstash/internal/api/handler"
	"github.com/cuongbtq/buildstash/internal/api/router"
	"github.com/cuongbtq/buildstash/internal/buildserver"
	"github.com/cuongbtq/buildstash/internal/compiler/compilertest"
	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/cuongbtq/buildstash/internal/distclient"
	"github.com/cuongbtq/buildstash/internal/scheduler"
	"github.com/cuongbtq/buildstash/internal/toolchain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "s3cret"

type httpCluster struct {
	scheduler       *scheduler.Scheduler
	schedulerURL    string
	schedulerClient *distclient.SchedulerClient
	serverURL       string
	packager        *toolchain.Packager
	compiler        string
}

func newHTTPCluster(t *testing.T) *httpCluster {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	sched := scheduler.NewScheduler(&scheduler.Config{Logger: logger})
	schedSrv := httptest.NewServer(router.SetupSchedulerRouter(&handler.SchedulerDependencies{
		Logger:    logger,
		Scheduler: sched,
		Dial: func(addr string) dist.ServerIncoming {
			return distclient.NewServerClient(addr, token, nil)
		},
	}, token))
	t.Cleanup(schedSrv.Close)

	store, err := toolchain.OpenStore(filepath.Join(dir, "store"), logger)
	require.NoError(t, err)
	executor, err := buildserver.NewExecutor(&buildserver.ExecutorConfig{
		Logger:     logger,
		Toolchains: store,
		Runner:     &compilertest.Runner{},
		WorkDir:    filepath.Join(dir, "builds"),
	})
	require.NoError(t, err)
	server := buildserver.NewServer(&buildserver.Config{
		Logger:     logger,
		Toolchains: store,
		Builder:    executor,
	})

	schedulerClient := distclient.NewSchedulerClient(schedSrv.URL, token, nil)
	serverSrv := httptest.NewServer(router.SetupServerRouter(&handler.ServerDependencies{
		Logger:    logger,
		Server:    server,
		Requester: schedulerClient.Requester("server-1"),
	}, token))
	t.Cleanup(serverSrv.Close)

	packager, err := toolchain.NewPackager(filepath.Join(dir, "packages"), logger)
	require.NoError(t, err)
	cc := filepath.Join(dir, "bin", "cc")
	require.NoError(t, os.MkdirAll(filepath.Dir(cc), 0o755))
	require.NoError(t, os.WriteFile(cc, []byte("#!/bin/sh\n"), 0o755))
	cc, err = filepath.EvalSymlinks(cc)
	require.NoError(t, err)

	return &httpCluster{
		scheduler:       sched,
		schedulerURL:    schedSrv.URL,
		schedulerClient: schedulerClient,
		serverURL:       serverSrv.URL,
		packager:        packager,
		compiler:        cc,
	}
}

func (h *httpCluster) register(t *testing.T, nonce string) dist.HeartbeatResult {
	t.Helper()
	res, err := h.schedulerClient.Heartbeat(context.Background(), dist.ServerHeartbeat{
		ServerID: "server-1",
		Nonce:    nonce,
		NumCPUs:  1,
		Addr:     h.serverURL,
	})
	require.NoError(t, err)
	return res
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHTTPCluster(t)

	assert.True(t, h.register(t, "first").IsNew)
	assert.False(t, h.register(t, "first").IsNew)

	status, err := h.schedulerClient.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, dist.SchedulerStatus{NumServers: 1, NumCPUs: 1}, status)

	tc, err := h.packager.Toolchain(ctx, h.compiler)
	require.NoError(t, err)

	client := distclient.NewClient(h.schedulerURL, token, nil)
	alloc, err := client.AllocJob(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, dist.ServerID("server-1"), alloc.ServerID)
	assert.Equal(t, h.serverURL, alloc.ServerAddr)
	assert.True(t, alloc.NeedToolchain)
	assert.Equal(t, dist.JobStateWaitingToolchain, alloc.State)

	archive, err := h.packager.Open(tc)
	require.NoError(t, err)
	submitted, err := client.SubmitToolchain(ctx, alloc, archive)
	archive.Close()
	require.NoError(t, err)
	assert.Equal(t, dist.ToolchainInstalled, submitted.Status)

	job, ok := h.scheduler.Job(alloc.JobID)
	require.True(t, ok)
	assert.Equal(t, dist.JobStateReady, job.State)

	var inputs bytes.Buffer
	require.NoError(t, dist.WriteInputs(&inputs, []dist.InputFile{{Name: "input.i", Data: []byte("int x;\n")}}))
	res, err := client.RunJob(ctx, alloc, dist.CompileCommand{
		Executable: h.compiler,
		Arguments:  []string{"-x", "cpp-output", "-c", "input.i", "-o", "output.o"},
		Cwd:        ".",
	}, []string{"output.o"}, &inputs)
	require.NoError(t, err)

	assert.Equal(t, dist.RunJobComplete, res.Status)
	assert.True(t, res.Output.Success())
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "output.o", res.Outputs[0].Name)
	assert.Equal(t, "object:int x;\n", string(res.Outputs[0].Data))

	_, ok = h.scheduler.Job(alloc.JobID)
	assert.False(t, ok, "completed job must leave the registry")
	assert.Zero(t, h.scheduler.Status().InProgress)

	// Second job on the same server finds the toolchain installed.
	alloc, err = client.AllocJob(ctx, tc)
	require.NoError(t, err)
	assert.False(t, alloc.NeedToolchain)
	assert.Equal(t, dist.JobStateReady, alloc.State)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHTTPCluster(t)
	tc := dist.Toolchain{ArchiveID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name: "no servers",
			call: func() error {
				_, err := distclient.NewClient(h.schedulerURL, token, nil).AllocJob(ctx, tc)
				return err
			},
			wantErr: dist.ErrNoServersAvailable,
		},
		{
			name: "unknown job",
			call: func() error {
				return h.schedulerClient.UpdateJobState(ctx, "server-1", "missing", dist.JobStateStarted)
			},
			wantErr: dist.ErrJobNotFound,
		},
		{
			name: "run unknown job on server",
			call: func() error {
				_, err := distclient.NewServerClient(h.serverURL, token, nil).
					HandleRunJob(ctx, dist.NopOutgoing{}, "missing", dist.CompileCommand{}, nil, bytes.NewReader(nil))
				return err
			},
			wantErr: dist.ErrJobNotFound,
		},
		{
			name: "wrong token",
			call: func() error {
				_, err := distclient.NewSchedulerClient(h.schedulerURL, "nope", nil).Status(ctx)
				return err
			},
			wantErr: dist.ErrUnreachable,
		},
		{
			name: "nothing listening",
			call: func() error {
				_, err := distclient.NewServerClient("http://127.0.0.1:1", token, nil).HandleAssignJob(ctx, "job", tc)
				return err
			},
			wantErr: dist.ErrUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestClient_ServerRestartFailsOutstandingJobs(t *testing.T) {
	ctx := context.Background()
	h := newHTTPCluster(t)
	h.register(t, "first")

	tc, err := h.packager.Toolchain(ctx, h.compiler)
	require.NoError(t, err)
	alloc, err := distclient.NewClient(h.schedulerURL, token, nil).AllocJob(ctx, tc)
	require.NoError(t, err)

	assert.True(t, h.register(t, "second").IsNew)

	_, ok := h.scheduler.Job(alloc.JobID)
	assert.False(t, ok)
	err = h.schedulerClient.UpdateJobState(ctx, "server-1", alloc.JobID, dist.JobStateReady)
	assert.ErrorIs(t, err, dist.ErrJobNotFound)
}
