package clock

import (
	"context"
	"testing"
	"time"
)

func TestSystemClockReturnsWallTime(t *testing.T) {
	c := NewSystem(false)
	before := time.Now()
	got := c.Now(context.Background())
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestOverrideHonoredOnlyWhenAllowed(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := WithNow(context.Background(), fixed)

	allowed := NewSystem(true)
	if got := allowed.Now(ctx); !got.Equal(fixed) {
		t.Fatalf("override-enabled clock returned %v, want %v", got, fixed)
	}

	denied := NewSystem(false)
	if got := denied.Now(ctx); got.Equal(fixed) {
		t.Fatal("production clock honored a context override")
	}
}

func TestOverrideReadFreshPerCall(t *testing.T) {
	c := NewSystem(true)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(11 * time.Second)

	ctx0 := WithNow(context.Background(), t0)
	ctx1 := WithNow(context.Background(), t1)
	if got := c.Now(ctx0); !got.Equal(t0) {
		t.Fatalf("first call: got %v, want %v", got, t0)
	}
	if got := c.Now(ctx1); !got.Equal(t1) {
		t.Fatalf("second call: got %v, want %v", got, t1)
	}
}

func TestNoOverrideFallsBackToWallTime(t *testing.T) {
	c := NewSystem(true)
	before := time.Now()
	got := c.Now(context.Background())
	if got.Before(before) {
		t.Fatalf("Now() without override = %v, want >= %v", got, before)
	}
}
