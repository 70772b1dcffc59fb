package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

var entryMagic = []byte("BSC1")

// Disk stores artifacts under <dir>/<k0>/<k1>/<key>.
type Disk struct {
	dir    string
	logger *slog.Logger
}

func NewDisk(dir string, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Disk{dir: dir, logger: logger}, nil
}

func (d *Disk) Location() string {
	return d.dir
}

func (d *Disk) path(key string) string {
	return filepath.Join(d.dir, key[0:1], key[1:2], key)
}

func (d *Disk) Get(ctx context.Context, key string) (*Artifact, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	artifact, err := decodeArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return artifact, nil
}

func (d *Disk) Put(ctx context.Context, key string, artifact *Artifact) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	path := d.path(key)
	if err := writeFileAtomic(path, encodeArtifact(artifact)); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	d.logger.Debug("Cache entry stored",
		slog.String("key", key),
		slog.Int("object_size", len(artifact.Object)),
	)
	return nil
}

func (d *Disk) Remove(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

func encodeArtifact(a *Artifact) []byte {
	var buf bytes.Buffer
	buf.Write(entryMagic)
	for _, section := range [][]byte{a.Object, a.Stdout, a.Stderr} {
		buf.Write(binary.BigEndian.AppendUint64(nil, uint64(len(section))))
		buf.Write(section)
	}
	return buf.Bytes()
}

func decodeArtifact(data []byte) (*Artifact, error) {
	r := bytes.NewReader(data)
	magic := make([]byte, len(entryMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, entryMagic) {
		return nil, fmt.Errorf("bad entry header")
	}

	sections := make([][]byte, 3)
	for i := range sections {
		var n uint64
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("truncated entry: %w", err)
		}
		if n > uint64(r.Len()) {
			return nil, fmt.Errorf("truncated entry section %d", i)
		}
		sections[i] = make([]byte, n)
		if _, err := io.ReadFull(r, sections[i]); err != nil {
			return nil, fmt.Errorf("truncated entry: %w", err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing data in entry")
	}

	return &Artifact{Object: sections[0], Stdout: sections[1], Stderr: sections[2]}, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
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
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
