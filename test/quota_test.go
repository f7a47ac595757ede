package test

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"pastebox/pkg/domain"
)

func TestQuotaBoundary(t *testing.T) {
	p, _ := newTestService(t)
	ctx := context.Background()

	paste, err := p.Create(ctx, domain.CreateParams{Content: "hello", MaxViews: intPtr(2)})
	if err != nil {
		t.Fatal(err)
	}

	first, err := p.Claim(ctx, paste.ID)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if first.Content != "hello" {
		t.Fatalf("content = %q, want %q", first.Content, "hello")
	}
	if first.RemainingViews == nil || *first.RemainingViews != 1 {
		t.Fatalf("remaining after first claim = %v, want 1", first.RemainingViews)
	}

	second, err := p.Claim(ctx, paste.ID)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if second.RemainingViews == nil || *second.RemainingViews != 0 {
		t.Fatalf("remaining after second claim = %v, want 0", second.RemainingViews)
	}

	if _, err := p.Claim(ctx, paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("third claim: got %v, want ErrPasteNotFound", err)
	}
	// Exhaustion is terminal.
	if _, err := p.Claim(ctx, paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("fourth claim: got %v, want ErrPasteNotFound", err)
	}
}

func TestNoViewLimitNeverExhausts(t *testing.T) {
	p, _ := newTestService(t)
	ctx := context.Background()

	paste, err := p.Create(ctx, domain.CreateParams{Content: "unlimited"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		claim, err := p.Claim(ctx, paste.ID)
		if err != nil {
			t.Fatalf("claim %d failed: %v", i+1, err)
		}
		if claim.RemainingViews != nil {
			t.Fatalf("claim %d: remaining = %v, want nil for unlimited", i+1, *claim.RemainingViews)
		}
		if claim.ExpiresAt != nil {
			t.Fatalf("claim %d: expires_at = %v, want nil", i+1, claim.ExpiresAt)
		}
	}
}

func TestPeekDoesNotConsumeViews(t *testing.T) {
	p, _ := newTestService(t)
	ctx := context.Background()

	paste, err := p.Create(ctx, domain.CreateParams{Content: "peek me", MaxViews: intPtr(1)})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		got, err := p.Peek(ctx, paste.ID)
		if err != nil {
			t.Fatalf("peek %d failed: %v", i+1, err)
		}
		if got.Content != "peek me" {
			t.Fatalf("peek content = %q", got.Content)
		}
		if got.Views != 0 {
			t.Fatalf("peek %d observed views = %d, want 0", i+1, got.Views)
		}
	}

	// The single view is still available after all those peeks.
	if _, err := p.Claim(ctx, paste.ID); err != nil {
		t.Fatalf("claim after peeks failed: %v", err)
	}

	// Quota consumed: both paths now agree the paste is gone.
	if _, err := p.Claim(ctx, paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("claim after exhaustion: got %v, want ErrPasteNotFound", err)
	}
	if _, err := p.Peek(ctx, paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("peek after exhaustion: got %v, want ErrPasteNotFound", err)
	}
}

func TestInterleavedPeekAndClaim(t *testing.T) {
	p, _ := newTestService(t)
	ctx := context.Background()

	paste, err := p.Create(ctx, domain.CreateParams{Content: "interleave", MaxViews: intPtr(3)})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Peek(ctx, paste.ID); err != nil {
			t.Fatalf("peek failed: %v", err)
		}
		if _, err := p.Claim(ctx, paste.ID); err != nil {
			t.Fatalf("claim %d failed: %v", i+1, err)
		}
	}
	if _, err := p.Claim(ctx, paste.ID); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("got %v, want ErrPasteNotFound after 3 claims", err)
	}
}

func TestUnifiedNotFound(t *testing.T) {
	p, _ := newTestService(t)
	ctx := context.Background()

	// Never existed.
	_, missingErr := p.Claim(ctx, "0000000000000000000000")

	// Quota exhausted.
	exhausted, err := p.Create(ctx, domain.CreateParams{Content: "once", MaxViews: intPtr(1)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Claim(ctx, exhausted.ID); err != nil {
		t.Fatal(err)
	}
	_, exhaustedErr := p.Claim(ctx, exhausted.ID)

	if !errors.Is(missingErr, domain.ErrPasteNotFound) {
		t.Fatalf("missing id: got %v", missingErr)
	}
	if !errors.Is(exhaustedErr, domain.ErrPasteNotFound) {
		t.Fatalf("exhausted id: got %v", exhaustedErr)
	}
}

func TestCreateValidation(t *testing.T) {
	p, _ := newTestService(t)
	ctx := context.Background()

	if _, err := p.Create(ctx, domain.CreateParams{Content: "   "}); !errors.Is(err, domain.ErrContentRequired) {
		t.Fatalf("blank content: got %v, want ErrContentRequired", err)
	}
	if _, err := p.Create(ctx, domain.CreateParams{Content: "x", TTLSeconds: intPtr(0)}); !errors.Is(err, domain.ErrInvalidTTL) {
		t.Fatalf("zero ttl: got %v, want ErrInvalidTTL", err)
	}
	if _, err := p.Create(ctx, domain.CreateParams{Content: "x", MaxViews: intPtr(-1)}); !errors.Is(err, domain.ErrInvalidMaxViews) {
		t.Fatalf("negative max_views: got %v, want ErrInvalidMaxViews", err)
	}
}
