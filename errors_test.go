package dbinspect_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sergeyklay/dbinspect"
)

func TestErrorfWrapsCause(t *testing.T) {
	t.Parallel()
	err := dbinspect.Errorf(dbinspect.KindConnection, "reading header: %w", io.ErrUnexpectedEOF)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause should survive errors.Is through the taxonomy boundary")
	}
	if !strings.Contains(err.Error(), "ConnectionError") {
		t.Errorf("Error() should carry the kind: %q", err.Error())
	}
	if !strings.Contains(err.Message, "unexpected EOF") {
		t.Errorf("Message should carry the cause text: %q", err.Message)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	err := dbinspect.Errorf(dbinspect.KindQueryTimeout, "statement cancelled")
	if got := dbinspect.KindOf(err); got != dbinspect.KindQueryTimeout {
		t.Errorf("got %q", got)
	}

	// Wrapped one level deeper, the kind is still found.
	wrapped := dbinspect.Errorf(dbinspect.KindInvalidQuery, "outer: %w", err)
	if got := dbinspect.KindOf(wrapped); got != dbinspect.KindInvalidQuery {
		t.Errorf("outermost kind wins, got %q", got)
	}

	if got := dbinspect.KindOf(io.EOF); got != "" {
		t.Errorf("untyped error should yield empty kind, got %q", got)
	}
	if got := dbinspect.KindOf(nil); got != "" {
		t.Errorf("nil error should yield empty kind, got %q", got)
	}
}
