// Package frame delimits discrete messages on a continuous byte stream.
//
// The encoding is a fixed 4-byte big-endian length header followed by that
// many payload bytes. A header announcing more than the configured maximum
// is treated as stream corruption: the session cannot resynchronize, so the
// only safe reaction is to close it.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxSize bounds a single frame's payload.
const DefaultMaxSize = 4 << 20 // 4 MiB

const headerSize = 4

// ErrTooLarge means a length header exceeded the maximum frame size. The
// stream is corrupt past this point.
var ErrTooLarge = errors.New("frame: length header exceeds maximum frame size")

// ErrEmptyFrame means a zero-length frame, which no valid payload produces.
var ErrEmptyFrame = errors.New("frame: zero-length frame")

// Reader reconstructs frames from a byte stream, buffering partial reads
// until a complete frame is available.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	header  [headerSize]byte
}

// NewReader wraps r. maxSize <= 0 uses DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read returns the next complete frame payload. io.EOF on a clean stream
// end; io.ErrUnexpectedEOF when the stream ends mid-frame.
func (r *Reader) Read() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame: stream ended inside a length header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(r.header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if int(n) > r.maxSize {
		return nil, fmt.Errorf("%w: header says %d bytes, maximum is %d", ErrTooLarge, n, r.maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame: stream ended inside a %d-byte frame: %w", n, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}

// Writer emits frames onto a byte stream. Safe for concurrent use: responses
// from concurrent handlers interleave at frame granularity, never within a
// frame.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

// NewWriter wraps w. maxSize <= 0 uses DefaultMaxSize.
func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Writer{w: w, maxSize: maxSize}
}

// Write emits one frame.
func (w *Writer) Write(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > w.maxSize {
		return fmt.Errorf("%w: payload is %d bytes, maximum is %d", ErrTooLarge, len(payload), w.maxSize)
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(header[:]); err != nil {
		return fmt.Errorf("frame: writing header: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("frame: writing payload: %w", err)
	}
	return nil
}
