package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	r := NewReader(&buf, 0)

	payloads := [][]byte{
		[]byte(`{"id":1,"method":"ping"}`),
		[]byte(`{"id":2,"method":"run_query","params":{"sql":"SELECT 1"}}`),
		bytes.Repeat([]byte("x"), 64*1024),
	}
	for _, p := range payloads {
		if err := w.Write(p); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestPartialDelivery(t *testing.T) {
	t.Parallel()
	var framed bytes.Buffer
	if err := NewWriter(&framed, 0).Write([]byte(`{"id":7,"method":"ping"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Deliver the encoded frame one byte at a time.
	pr, pw := io.Pipe()
	go func() {
		for _, b := range framed.Bytes() {
			pw.Write([]byte{b})
		}
		pw.Close()
	}()

	got, err := NewReader(pr, 0).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != `{"id":7,"method":"ping"}` {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestOversizeHeaderIsCorruption(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)
	buf.Write(header[:])
	buf.WriteString("garbage")

	if _, err := NewReader(&buf, 1024).Read(); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestZeroLengthFrameRejected(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	if _, err := NewReader(&buf, 0).Read(); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("only a little")

	if _, err := NewReader(&buf, 0).Read(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestTruncatedHeader(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer([]byte{0, 0})
	if _, err := NewReader(buf, 0).Read(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestWriterRejectsOversizePayload(t *testing.T) {
	t.Parallel()
	w := NewWriter(io.Discard, 16)
	if err := w.Write(bytes.Repeat([]byte("x"), 17)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
