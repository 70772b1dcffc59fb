package dist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxHeaderSize bounds the JSON header of a run-job request.
const maxHeaderSize = 16 << 20

// RunJobHeader is the fixed part of a run-job request; the inputs stream follows it.
type RunJobHeader struct {
	Command CompileCommand `json:"command"`
	Outputs []string       `json:"outputs"`
}

// WriteRunJobRequest writes a length-prefixed JSON header followed by the inputs stream.
func WriteRunJobRequest(w io.Writer, header RunJobHeader, inputs io.Reader) error {
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal run job header: %w", err)
	}

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.Copy(w, inputs); err != nil {
		return fmt.Errorf("failed to write inputs: %w", err)
	}
	return nil
}

// ReadRunJobRequest reads the header and returns the remaining stream as the inputs.
// The returned reader shares r and must be consumed before r is closed.
func ReadRunJobRequest(r io.Reader) (RunJobHeader, io.Reader, error) {
	var header RunJobHeader

	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return header, nil, fmt.Errorf("%w: failed to read header size: %v", ErrProtocolViolation, err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxHeaderSize {
		return header, nil, fmt.Errorf("%w: header too large (%d bytes)", ErrProtocolViolation, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return header, nil, fmt.Errorf("%w: failed to read header: %v", ErrProtocolViolation, err)
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return header, nil, fmt.Errorf("%w: invalid header: %v", ErrProtocolViolation, err)
	}
	return header, r, nil
}
