package buildserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testToolchain = dist.Toolchain{ArchiveID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}

type fakeToolchains struct {
	mu         sync.Mutex
	installed  map[dist.Toolchain]bool
	installErr error
}

func (f *fakeToolchains) Has(tc dist.Toolchain) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[tc]
}

func (f *fakeToolchains) Install(ctx context.Context, tc dist.Toolchain, r io.Reader) (dist.SubmitToolchainStatus, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	if f.installErr != nil {
		return "", f.installErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed == nil {
		f.installed = make(map[dist.Toolchain]bool)
	}
	if f.installed[tc] {
		return dist.ToolchainAlreadyPresent, nil
	}
	f.installed[tc] = true
	return dist.ToolchainInstalled, nil
}

type fakeBuilder struct {
	result dist.RunJobResult
	err    error
	calls  int
}

func (f *fakeBuilder) Build(ctx context.Context, req BuildRequest) (dist.RunJobResult, error) {
	f.calls++
	return f.result, f.err
}

// recordingRequester keeps every pushed state in order.
type recordingRequester struct {
	mu     sync.Mutex
	states []dist.JobState
	err    error
}

func (r *recordingRequester) DoUpdateJobState(ctx context.Context, jobID dist.JobID, state dist.JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.states = append(r.states, state)
	return nil
}

func (r *recordingRequester) pushed() []dist.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dist.JobState(nil), r.states...)
}

func newTestServer(tcs *fakeToolchains, builder Builder) *Server {
	return NewServer(&Config{
		Logger:     slog.New(slog.DiscardHandler),
		Toolchains: tcs,
		Builder:    builder,
	})
}

func TestServer_AssignJob(t *testing.T) {
	ctx := context.Background()

	t.Run("toolchain missing", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{}, &fakeBuilder{})
		res, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)
		assert.True(t, res.NeedToolchain)
		assert.Equal(t, dist.JobStateWaitingToolchain, res.State)
	})

	t.Run("toolchain present", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{installed: map[dist.Toolchain]bool{testToolchain: true}}, &fakeBuilder{})
		res, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)
		assert.False(t, res.NeedToolchain)
		assert.Equal(t, dist.JobStateReady, res.State)
	})

	t.Run("duplicate assignment is idempotent", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{}, &fakeBuilder{})
		first, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)
		again, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, 1, s.Len())

		_, err = s.HandleAssignJob(ctx, "job", dist.Toolchain{ArchiveID: "other"})
		assert.ErrorIs(t, err, dist.ErrProtocolViolation)
	})
}

func TestServer_SubmitToolchain(t *testing.T) {
	ctx := context.Background()

	t.Run("installs and pushes ready", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{}, &fakeBuilder{})
		_, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)

		req := &recordingRequester{}
		res, err := s.HandleSubmitToolchain(ctx, req, "job", bytes.NewReader([]byte("archive")))
		require.NoError(t, err)
		assert.Equal(t, dist.ToolchainInstalled, res.Status)
		assert.Equal(t, []dist.JobState{dist.JobStateReady}, req.pushed())

		// Twice is an error.
		_, err = s.HandleSubmitToolchain(ctx, req, "job", bytes.NewReader(nil))
		assert.ErrorIs(t, err, dist.ErrProtocolViolation)
	})

	t.Run("job never asked for a toolchain", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{installed: map[dist.Toolchain]bool{testToolchain: true}}, &fakeBuilder{})
		_, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)

		_, err = s.HandleSubmitToolchain(ctx, &recordingRequester{}, "job", bytes.NewReader(nil))
		assert.ErrorIs(t, err, dist.ErrProtocolViolation)
	})

	t.Run("unknown job", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{}, &fakeBuilder{})
		_, err := s.HandleSubmitToolchain(ctx, &recordingRequester{}, "nope", bytes.NewReader(nil))
		assert.ErrorIs(t, err, dist.ErrJobNotFound)
	})

	t.Run("install failure keeps the job waiting", func(t *testing.T) {
		tcs := &fakeToolchains{installErr: dist.ErrToolchainMismatch}
		s := newTestServer(tcs, &fakeBuilder{})
		_, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)

		req := &recordingRequester{}
		_, err = s.HandleSubmitToolchain(ctx, req, "job", bytes.NewReader([]byte("bad")))
		assert.ErrorIs(t, err, dist.ErrToolchainMismatch)
		assert.Empty(t, req.pushed())

		tcs.installErr = nil
		_, err = s.HandleSubmitToolchain(ctx, req, "job", bytes.NewReader([]byte("good")))
		assert.NoError(t, err)
	})
}

func TestServer_RunJob(t *testing.T) {
	ctx := context.Background()
	ready := func(t *testing.T, builder Builder) *Server {
		s := newTestServer(&fakeToolchains{installed: map[dist.Toolchain]bool{testToolchain: true}}, builder)
		_, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)
		return s
	}

	t.Run("complete", func(t *testing.T) {
		builder := &fakeBuilder{result: dist.RunJobResult{
			Status:  dist.RunJobComplete,
			Outputs: []dist.OutputData{{Name: "main.o", Data: []byte("obj")}},
		}}
		s := ready(t, builder)

		req := &recordingRequester{}
		res, err := s.HandleRunJob(ctx, req, "job", dist.CompileCommand{}, []string{"main.o"}, bytes.NewReader(nil))
		require.NoError(t, err)
		assert.Equal(t, dist.RunJobComplete, res.Status)
		assert.Equal(t, []dist.JobState{dist.JobStateStarted, dist.JobStateComplete}, req.pushed())
		assert.Equal(t, 0, s.Len())
	})

	t.Run("internal failure is a failed result", func(t *testing.T) {
		s := ready(t, &fakeBuilder{err: errors.New("disk full")})

		req := &recordingRequester{}
		res, err := s.HandleRunJob(ctx, req, "job", dist.CompileCommand{}, nil, bytes.NewReader(nil))
		require.NoError(t, err)
		assert.Equal(t, dist.RunJobFailed, res.Status)
		assert.Contains(t, res.Message, "disk full")
		assert.Equal(t, []dist.JobState{dist.JobStateStarted, dist.JobStateFailed}, req.pushed())
	})

	t.Run("started push failure aborts before building", func(t *testing.T) {
		builder := &fakeBuilder{}
		s := ready(t, builder)

		_, err := s.HandleRunJob(ctx, &recordingRequester{err: dist.ErrUnreachable}, "job", dist.CompileCommand{}, nil, bytes.NewReader(nil))
		assert.ErrorIs(t, err, dist.ErrUnreachable)
		assert.Equal(t, 0, builder.calls)
	})

	t.Run("not ready", func(t *testing.T) {
		s := newTestServer(&fakeToolchains{}, &fakeBuilder{})
		_, err := s.HandleAssignJob(ctx, "job", testToolchain)
		require.NoError(t, err)

		_, err = s.HandleRunJob(ctx, &recordingRequester{}, "job", dist.CompileCommand{}, nil, bytes.NewReader(nil))
		assert.ErrorIs(t, err, dist.ErrProtocolViolation)

		_, err = s.HandleRunJob(ctx, &recordingRequester{}, "missing", dist.CompileCommand{}, nil, bytes.NewReader(nil))
		assert.ErrorIs(t, err, dist.ErrJobNotFound)
	})
}

func TestServer_ExpireUnclaimed(t *testing.T) {
	s := newTestServer(&fakeToolchains{}, &fakeBuilder{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.HandleAssignJob(context.Background(), "old", testToolchain)
	require.NoError(t, err)
	now = now.Add(DefaultUnclaimedTimeout)
	_, err = s.HandleAssignJob(context.Background(), "new", testToolchain)
	require.NoError(t, err)

	now = now.Add(time.Second)
	assert.Equal(t, 1, s.ExpireUnclaimed())
	assert.Equal(t, 1, s.Len())
}
