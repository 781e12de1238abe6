package authn

import (
	"testing"

	"github.com/loggate/ingestgw/internal/gwerrors"
)

func TestRegistry_AuthenticateUnknownToken(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Authenticate("nope")
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.Unauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestRegistry_AuthenticateInactiveToken(t *testing.T) {
	r := NewRegistry(map[string]TokenInfo{"t1": {Name: "svc", Active: false}})
	_, err := r.Authenticate("t1")
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.Unauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestRegistry_AuthenticateSuccess(t *testing.T) {
	r := NewRegistry(map[string]TokenInfo{"t1": {Name: "svc", Active: true}})
	info, err := r.Authenticate("t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "svc" {
		t.Errorf("Name = %q, want svc", info.Name)
	}
}

func TestRegistry_ReloadIsAtomic(t *testing.T) {
	r := NewRegistry(map[string]TokenInfo{"t1": {Active: true}})
	r.Reload(map[string]TokenInfo{"t2": {Active: true}})

	if _, err := r.Authenticate("t1"); err == nil {
		t.Error("t1 should no longer authenticate after reload")
	}
	if _, err := r.Authenticate("t2"); err != nil {
		t.Errorf("t2 should authenticate after reload: %v", err)
	}
}

func TestLimiter_BurstThenExhausted(t *testing.T) {
	l := NewLimiter(1, 1)

	if err := l.Allow("t1"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	err := l.Allow("t1")
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.RateLimited {
		t.Fatalf("second immediate request should be RATE_LIMITED, got %v", err)
	}
}

func TestLimiter_SeparateTokensIndependent(t *testing.T) {
	l := NewLimiter(1, 1)

	if err := l.Allow("t1"); err != nil {
		t.Fatalf("t1 first request: %v", err)
	}
	if err := l.Allow("u1"); err != nil {
		t.Fatalf("u1 should be unaffected by t1's bucket: %v", err)
	}
}

func TestLimiter_BucketsSurviveSetRate(t *testing.T) {
	l := NewLimiter(1, 1)
	_ = l.Allow("t1")
	l.SetRate(100, 100)
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (existing buckets preserved)", l.Len())
	}
}
