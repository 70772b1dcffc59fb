package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuongbtq/buildstash/internal/dist"
)

// weakKey identifies a compiler binary cheaply, without reading it.
type weakKey struct {
	path    string
	size    int64
	modTime time.Time
}

// Packager turns a local compiler into a content-identified archive and keeps
// the archives on disk so each one is built once per compiler binary.
type Packager struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	known map[weakKey]dist.Toolchain
}

// NewPackager creates a packager storing archives under dir.
func NewPackager(dir string, logger *slog.Logger) (*Packager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create toolchain cache dir: %w", err)
	}
	return &Packager{
		dir:    dir,
		logger: logger,
		known:  make(map[weakKey]dist.Toolchain),
	}, nil
}

// Toolchain returns the identity of the toolchain for executable, packaging it
// on first use.
func (p *Packager) Toolchain(ctx context.Context, executable string) (dist.Toolchain, error) {
	exe, err := exec.LookPath(executable)
	if err != nil {
		return dist.Toolchain{}, fmt.Errorf("failed to resolve compiler %s: %w", executable, err)
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return dist.Toolchain{}, err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	info, err := os.Stat(exe)
	if err != nil {
		return dist.Toolchain{}, fmt.Errorf("failed to stat compiler: %w", err)
	}
	key := weakKey{path: exe, size: info.Size(), modTime: info.ModTime()}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tc, ok := p.known[key]; ok {
		if _, err := os.Stat(p.archivePath(tc)); err == nil {
			return tc, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return dist.Toolchain{}, err
	}

	data, err := os.ReadFile(exe)
	if err != nil {
		return dist.Toolchain{}, fmt.Errorf("failed to read compiler: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteArchive(&buf, []File{{Name: exe, Mode: int64(info.Mode().Perm()), Data: data}}); err != nil {
		return dist.Toolchain{}, err
	}

	tc := dist.Toolchain{ArchiveID: ArchiveID(buf.Bytes())}
	if err := writeFileAtomic(p.archivePath(tc), buf.Bytes()); err != nil {
		return dist.Toolchain{}, fmt.Errorf("failed to store toolchain archive: %w", err)
	}
	p.known[key] = tc

	p.logger.Info("Toolchain packaged",
		slog.String("compiler", exe),
		slog.String("toolchain", tc.ArchiveID),
		slog.Int("archive_size", buf.Len()),
	)
	return tc, nil
}

// Open returns a single-pass reader over the archive of tc.
func (p *Packager) Open(tc dist.Toolchain) (io.ReadCloser, error) {
	if !validID(tc.ArchiveID) {
		return nil, fmt.Errorf("invalid toolchain id %q", tc.ArchiveID)
	}
	f, err := os.Open(p.archivePath(tc))
	if err != nil {
		return nil, fmt.Errorf("failed to open toolchain archive: %w", err)
	}
	return f, nil
}

func (p *Packager) archivePath(tc dist.Toolchain) string {
	return filepath.Join(p.dir, tc.ArchiveID+".tar.gz")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
