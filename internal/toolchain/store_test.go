package toolchain

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive(t *testing.T, content string) (dist.Toolchain, []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, []File{
		{Name: "/usr/bin/cc", Mode: 0o755, Data: []byte(content)},
	}))
	return dist.Toolchain{ArchiveID: ArchiveID(buf.Bytes())}, buf.Bytes()
}

func TestStore_Install(t *testing.T) {
	store, err := OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, data := testArchive(t, "#!/bin/sh\necho cc\n")
	assert.False(t, store.Has(tc))

	status, err := store.Install(context.Background(), tc, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, dist.ToolchainInstalled, status)
	assert.True(t, store.Has(tc))

	root, err := store.Root(tc)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(root, "usr", "bin", "cc"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho cc\n", string(got))

	status, err = store.Install(context.Background(), tc, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, dist.ToolchainAlreadyPresent, status)
}

func TestStore_InstallMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, _ := testArchive(t, "one")
	_, other := testArchive(t, "two")

	_, err = store.Install(context.Background(), tc, bytes.NewReader(other))
	require.Error(t, err)
	assert.ErrorIs(t, err, dist.ErrToolchainMismatch)
	assert.False(t, store.Has(tc))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging dir must be cleaned up")
}

func TestStore_InstallCorruptStream(t *testing.T) {
	store, err := OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, data := testArchive(t, "content")
	_, err = store.Install(context.Background(), tc, bytes.NewReader(data[:len(data)/2]))
	require.Error(t, err)
	assert.ErrorIs(t, err, dist.ErrToolchainUploadFailed)
	assert.False(t, store.Has(tc))
}

func TestStore_InstallRejectsBadID(t *testing.T) {
	store, err := OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = store.Install(context.Background(), dist.Toolchain{ArchiveID: "../escape"}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, dist.ErrProtocolViolation)
}

func TestStore_ConcurrentInstallsOfOneToolchain(t *testing.T) {
	store, err := OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, data := testArchive(t, "shared")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Install(context.Background(), tc, bytes.NewReader(data))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, store.Has(tc))
	assert.Equal(t, 1, store.Len())
}

// gatedReader blocks its first read until release is closed.
type gatedReader struct {
	r       io.Reader
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.r.Read(p)
}

func TestStore_BadUploadDoesNotFailConcurrentGoodUpload(t *testing.T) {
	store, err := OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, good := testArchive(t, "genuine")
	_, other := testArchive(t, "impostor")

	bad := &gatedReader{
		r:       bytes.NewReader(other),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	badErr := make(chan error, 1)
	go func() {
		_, err := store.Install(context.Background(), tc, bad)
		badErr <- err
	}()
	<-bad.started

	goodErr := make(chan error, 1)
	go func() {
		_, err := store.Install(context.Background(), tc, bytes.NewReader(good))
		goodErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(bad.release)

	assert.ErrorIs(t, <-badErr, dist.ErrToolchainMismatch)
	require.NoError(t, <-goodErr)
	assert.True(t, store.Has(tc))
	assert.Equal(t, 1, store.Len())
}

func TestOpenStore_RecoversInstalledToolchains(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, data := testArchive(t, "persisted")
	_, err = store.Install(context.Background(), tc, bytes.NewReader(data))
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(dir, tmpPrefix+"leftover"), 0o755))

	reopened, err := OpenStore(dir, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.True(t, reopened.Has(tc))

	_, err = os.Stat(filepath.Join(dir, tmpPrefix+"leftover"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStore_RootNotInstalled(t *testing.T) {
	store, err := OpenStore(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tc, _ := testArchive(t, "missing")
	_, err = store.Root(tc)
	assert.ErrorIs(t, err, ErrNotInstalled)
}
