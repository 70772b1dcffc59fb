package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// PreprocessorCache remembers preprocessor output together with the digest
// of every file that went into it.
type PreprocessorCache struct {
	dir    string
	logger *slog.Logger
}

type preprocessorEntry struct {
	Preprocessed []byte            `json:"preprocessed"`
	Includes     map[string]string `json:"includes"`
}

// NewPreprocessorCache stores entries under <dir>/preprocessor.
func NewPreprocessorCache(dir string, logger *slog.Logger) (*PreprocessorCache, error) {
	root := filepath.Join(dir, "preprocessor")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create preprocessor cache dir: %w", err)
	}
	return &PreprocessorCache{dir: root, logger: logger}, nil
}

func (p *PreprocessorCache) path(key string) string {
	return filepath.Join(p.dir, key[0:1], key)
}

// Lookup returns the stored preprocessed bytes when every recorded input
// still has the recorded digest. A stale entry is removed and reported as a miss.
func (p *PreprocessorCache) Lookup(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	data, err := os.ReadFile(p.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preprocessor entry: %w", err)
	}

	var entry preprocessorEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode preprocessor entry %s: %w", key, err)
	}

	for path, want := range entry.Includes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := hashFile(path)
		if err != nil || got != want {
			p.logger.Debug("Preprocessor cache entry is stale",
				slog.String("key", key),
				slog.String("file", path),
			)
			_ = os.Remove(p.path(key))
			return nil, ErrCacheMiss
		}
	}

	// An entry never holds an empty result; treat one as corrupt rather than
	// forwarding nothing to the compiler.
	if len(entry.Preprocessed) == 0 {
		return nil, fmt.Errorf("empty preprocessor entry %s", key)
	}
	return entry.Preprocessed, nil
}

// Store records preprocessed output. includes are absolute paths of every
// file the preprocessor read.
func (p *PreprocessorCache) Store(ctx context.Context, key string, preprocessed []byte, includes []string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if len(preprocessed) == 0 {
		return fmt.Errorf("refusing to cache empty preprocessor output")
	}

	entry := preprocessorEntry{
		Preprocessed: preprocessed,
		Includes:     make(map[string]string, len(includes)),
	}
	for _, path := range includes {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash include %s: %w", path, err)
		}
		entry.Includes[path] = sum
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode preprocessor entry: %w", err)
	}
	if err := writeFileAtomic(p.path(key), data); err != nil {
		return fmt.Errorf("failed to write preprocessor entry: %w", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
