package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewSweeperValidation(t *testing.T) {
	svc := NewInMemoryService()

	if _, err := NewSweeper(svc, SweepConfig{MaxIdle: 0, Apps: []string{"a"}}, nil); err == nil {
		t.Error("expected error for zero MaxIdle")
	}
	if _, err := NewSweeper(svc, SweepConfig{MaxIdle: time.Hour}, nil); err == nil {
		t.Error("expected error for empty Apps")
	}
	if _, err := NewSweeper(svc, SweepConfig{MaxIdle: time.Hour, Apps: []string{"a"}}, nil); err != nil {
		t.Errorf("NewSweeper failed: %v", err)
	}
}

func TestSweepOnce(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	// An old session, well past the retention window.
	stale, err := svc.CreateSession(ctx, "club-admin", "user-1", "stale", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	old := newTestEvent("user", time.Now().UTC().Add(-48*time.Hour), nil)
	if _, err := svc.AppendEvent(ctx, stale, old); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// A fresh one that must survive.
	if _, err := svc.CreateSession(ctx, "club-admin", "user-1", "fresh", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// A session in a different app is out of scope.
	s, err := svc.CreateSession(ctx, "other-app", "user-1", "untouched", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := svc.AppendEvent(ctx, s, newTestEvent("user", time.Now().UTC().Add(-48*time.Hour), nil)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	sweeper, err := NewSweeper(svc, SweepConfig{
		MaxIdle: 24 * time.Hour,
		Apps:    []string{"club-admin"},
	}, nil)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}

	deleted, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := svc.GetSession(ctx, "club-admin", "user-1", "stale", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("stale session should be gone, got %v", err)
	}
	if _, err := svc.GetSession(ctx, "club-admin", "user-1", "fresh", nil); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
	if _, err := svc.GetSession(ctx, "other-app", "user-1", "untouched", nil); err != nil {
		t.Errorf("out-of-scope session should survive: %v", err)
	}

	// A second sweep finds nothing.
	deleted, err = sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d on second sweep, want 0", deleted)
	}
}

func TestSweepRespectsCancellation(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		s, err := svc.CreateSession(ctx, "club-admin", "user-1", id, nil)
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if _, err := svc.AppendEvent(ctx, s, newTestEvent("user", time.Now().UTC().Add(-48*time.Hour), nil)); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	// Throttle hard enough that only the first delete's token is available.
	sweeper, err := NewSweeper(svc, SweepConfig{
		MaxIdle:          24 * time.Hour,
		Apps:             []string{"club-admin"},
		DeletesPerSecond: 0.001,
	}, nil)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	deleted, err := sweeper.SweepOnce(cancelled)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if deleted > 1 {
		t.Errorf("deleted = %d, want at most 1 before cancellation", deleted)
	}
}

func TestSweeperStartWithoutSchedule(t *testing.T) {
	svc := NewInMemoryService()
	sweeper, err := NewSweeper(svc, SweepConfig{MaxIdle: time.Hour, Apps: []string{"a"}}, nil)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		t.Errorf("Start without schedule should be a no-op: %v", err)
	}
	sweeper.Stop()
}

func TestSweeperStartBadSchedule(t *testing.T) {
	svc := NewInMemoryService()
	sweeper, err := NewSweeper(svc, SweepConfig{
		Schedule: "not a cron expression",
		MaxIdle:  time.Hour,
		Apps:     []string{"a"},
	}, nil)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	if err := sweeper.Start(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
