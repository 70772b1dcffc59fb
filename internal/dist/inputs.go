package dist

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// InputFile is one file shipped to the server for a build.
type InputFile struct {
	Name string
	Data []byte
}

// WriteInputs writes files as a tar stream.
func WriteInputs(w io.Writer, files []InputFile) error {
	tw := tar.NewWriter(w)
	for _, f := range files {
		name, err := cleanInputName(f.Name)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(f.Data)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write input header %s: %w", name, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return fmt.Errorf("failed to write input %s: %w", name, err)
		}
	}
	return tw.Close()
}

// ExtractInputs materialises a tar stream of inputs under dir.
// Only regular files and directories are accepted; names may not escape dir.
func ExtractInputs(r io.Reader, dir string) ([]string, error) {
	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("failed to read inputs: %w", err)
		}

		name, err := cleanInputName(hdr.Name)
		if err != nil {
			return names, err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return names, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return names, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return names, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return names, fmt.Errorf("failed to write input %s: %w", name, err)
			}
			if err := f.Close(); err != nil {
				return names, err
			}
			names = append(names, name)
		default:
			return names, fmt.Errorf("%w: unsupported input entry %s", ErrProtocolViolation, hdr.Name)
		}
	}
}

func cleanInputName(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: invalid input name %q", ErrProtocolViolation, name)
	}
	return clean, nil
}
