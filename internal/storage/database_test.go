package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestWithTimeout_NoExistingDeadline(t *testing.T) {
	newCtx, cancel := withTimeout(context.Background(), 2*time.Second)
	defer cancel()

	deadline, ok := newCtx.Deadline()
	if !ok {
		t.Fatal("Expected context to have deadline")
	}
	if time.Until(deadline) > 2*time.Second {
		t.Error("Expected deadline to be approximately 2 seconds from now")
	}
}

func TestWithTimeout_KeepsExistingDeadline(t *testing.T) {
	ctx, existingCancel := context.WithTimeout(context.Background(), time.Second)
	defer existingCancel()
	existing, _ := ctx.Deadline()

	newCtx, cancel := withTimeout(ctx, 5*time.Second)
	cancel()
	cancel()

	got, ok := newCtx.Deadline()
	if !ok || !got.Equal(existing) {
		t.Errorf("Expected deadline to be preserved: got %v, want %v", got, existing)
	}
	if newCtx.Err() != nil {
		t.Error("No-op cancel must not cancel the caller's context")
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "ads", Password: "pw", Name: "streamads", SSLMode: "require"}
	dsn := cfg.DSN()

	for _, part := range []string{"host=db", "port=5432", "user=ads", "dbname=streamads", "sslmode=require"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("Expected DSN to contain %q, got %q", part, dsn)
		}
	}
}

func TestNullString(t *testing.T) {
	if nullString("").Valid {
		t.Error("Empty string should map to NULL")
	}
	if ns := nullString("x"); !ns.Valid || ns.String != "x" {
		t.Errorf("Expected valid 'x', got %+v", ns)
	}
}
