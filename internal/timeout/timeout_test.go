package timeout

import (
	"strings"
	"testing"
	"time"
)

func TestFirstMatchWins(t *testing.T) {
	t.Parallel()
	m, err := New(30*time.Second, []Rule{
		{Pattern: "pg_stat", Timeout: 5 * time.Second},
		{Pattern: "JOIN", Timeout: 60 * time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d, pattern := m.Resolve("SELECT * FROM pg_stat JOIN x ON true")
	if d != 5*time.Second {
		t.Errorf("expected 5s (first match wins), got %v", d)
	}
	if pattern != "pg_stat" {
		t.Errorf("expected matched pattern pg_stat, got %q", pattern)
	}
}

func TestDefaultApplies(t *testing.T) {
	t.Parallel()
	m, err := New(30*time.Second, []Rule{{Pattern: "pg_stat", Timeout: 5 * time.Second}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d, pattern := m.Resolve("SELECT 1")
	if d != 30*time.Second {
		t.Errorf("expected default 30s, got %v", d)
	}
	if pattern != "" {
		t.Errorf("expected no matched pattern, got %q", pattern)
	}
}

func TestInvalidPattern(t *testing.T) {
	t.Parallel()
	if _, err := New(time.Second, []Rule{{Pattern: "([", Timeout: time.Second}}); err == nil {
		t.Fatal("expected error for invalid regex")
	} else if !strings.Contains(err.Error(), "invalid pattern") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNonPositiveRuleTimeout(t *testing.T) {
	t.Parallel()
	if _, err := New(time.Second, []Rule{{Pattern: "x", Timeout: 0}}); err == nil {
		t.Fatal("expected error for zero rule timeout")
	}
}

func TestNonPositiveDefault(t *testing.T) {
	t.Parallel()
	if _, err := New(0, nil); err == nil {
		t.Fatal("expected error for zero default timeout")
	}
}
