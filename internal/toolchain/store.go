// Package toolchain identifies, packages and stores compiler toolchains.
package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuongbtq/buildstash/internal/dist"
	"golang.org/x/sync/singleflight"
)

// ErrNotInstalled is returned when a toolchain is not present in the store.
var ErrNotInstalled = errors.New("toolchain not installed")

const tmpPrefix = "tmp-"

// Store is a server-local cache of extracted toolchains, one directory per archive id.
// Installation is write-once per id and atomic: a toolchain is either fully
// present under its final name or absent.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	installed map[string]struct{}
	group     singleflight.Group
}

// OpenStore opens (or creates) a store rooted at dir and recovers the toolchains
// installed by a previous run.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create toolchain dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read toolchain dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		logger:    logger,
		installed: make(map[string]struct{}),
	}

	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, tmpPrefix):
			// Interrupted install.
			_ = os.RemoveAll(filepath.Join(dir, name))
		case e.IsDir() && validID(name):
			s.installed[name] = struct{}{}
		}
	}

	logger.Info("Toolchain store opened",
		slog.String("dir", dir),
		slog.Int("toolchains", len(s.installed)),
	)

	return s, nil
}

// Has reports whether tc is installed.
func (s *Store) Has(tc dist.Toolchain) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.installed[tc.ArchiveID]
	return ok
}

// Root returns the directory holding the extracted toolchain.
func (s *Store) Root(tc dist.Toolchain) (string, error) {
	if !s.Has(tc) {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, tc.ArchiveID)
	}
	return filepath.Join(s.dir, tc.ArchiveID), nil
}

// Len returns the number of installed toolchains.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.installed)
}

// Install reads the archive stream for tc and installs it. Installing a toolchain
// that is already present is a no-op. Concurrent installs of the same id share
// one extraction; a caller whose stream was not the one read retries with its
// own stream when the shared extraction fails.
func (s *Store) Install(ctx context.Context, tc dist.Toolchain, r io.Reader) (dist.SubmitToolchainStatus, error) {
	if !validID(tc.ArchiveID) {
		return "", fmt.Errorf("%w: invalid toolchain id %q", dist.ErrProtocolViolation, tc.ArchiveID)
	}

	for {
		if s.Has(tc) {
			return dist.ToolchainAlreadyPresent, nil
		}

		ran := false
		v, err, _ := s.group.Do(tc.ArchiveID, func() (interface{}, error) {
			ran = true
			if s.Has(tc) {
				return dist.ToolchainAlreadyPresent, nil
			}
			if err := s.install(ctx, tc, r); err != nil {
				return nil, err
			}
			return dist.ToolchainInstalled, nil
		})
		if err == nil {
			if !ran {
				return dist.ToolchainAlreadyPresent, nil
			}
			return v.(dist.SubmitToolchainStatus), nil
		}
		if ran {
			return "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %v", dist.ErrToolchainUploadFailed, ctxErr)
		}

		s.logger.Debug("Shared toolchain install failed, retrying with own upload",
			slog.String("toolchain", tc.ArchiveID),
			slog.Any("error", err),
		)
	}
}

func (s *Store) install(ctx context.Context, tc dist.Toolchain, r io.Reader) error {
	tmp, err := os.MkdirTemp(s.dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("%w: failed to create staging dir: %v", dist.ErrToolchainUploadFailed, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	h := sha256.New()
	tee := io.TeeReader(&ctxReader{ctx: ctx, r: r}, h)
	if err := extractArchive(tee, tmp); err != nil {
		return fmt.Errorf("%w: %v", dist.ErrToolchainUploadFailed, err)
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return fmt.Errorf("%w: %v", dist.ErrToolchainUploadFailed, err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != tc.ArchiveID {
		s.logger.Warn("Toolchain archive hash mismatch",
			slog.String("expected", tc.ArchiveID),
			slog.String("actual", got),
		)
		return fmt.Errorf("%w: expected %s, got %s", dist.ErrToolchainMismatch, tc.ArchiveID, got)
	}

	final := filepath.Join(s.dir, tc.ArchiveID)
	if err := os.Rename(tmp, final); err != nil {
		if _, statErr := os.Stat(final); statErr != nil {
			return fmt.Errorf("%w: failed to commit toolchain: %v", dist.ErrToolchainUploadFailed, err)
		}
	} else {
		committed = true
	}

	s.mu.Lock()
	s.installed[tc.ArchiveID] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("Toolchain installed",
		slog.String("toolchain", tc.ArchiveID),
	)
	return nil
}

// ctxReader stops a long upload once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
