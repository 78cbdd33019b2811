package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "push"); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	ok, wait := l.Allow(ctx, "push")
	if ok {
		t.Fatal("third request allowed")
	}
	if wait != time.Minute {
		t.Errorf("wait = %v, want 1m", wait)
	}

	// other keys are independent
	if ok, _ := l.Allow(ctx, "other"); !ok {
		t.Error("other key rejected")
	}

	now = now.Add(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "push"); !ok {
		t.Error("request after window rejected")
	}
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		result   int64
		wantOK   bool
		wantWait time.Duration
	}{
		{1, true, 0},
		{-250, false, 250 * time.Millisecond},
		{0, false, time.Second},
	}
	for _, tt := range tests {
		ok, wait := interpret(tt.result, time.Second)
		if ok != tt.wantOK || wait != tt.wantWait {
			t.Errorf("interpret(%d) = %v, %v; want %v, %v", tt.result, ok, wait, tt.wantOK, tt.wantWait)
		}
	}
}

func TestKey(t *testing.T) {
	if got := Key("push", "10.0.0.1", 3); got != "push:10.0.0.1:3" {
		t.Errorf("Key = %q", got)
	}
}
