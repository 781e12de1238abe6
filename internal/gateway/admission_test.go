package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loggate/ingestgw/internal/authn"
	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/idempotency"
	"github.com/loggate/ingestgw/internal/masking"
	"github.com/loggate/ingestgw/internal/obsmetrics"
	"github.com/loggate/ingestgw/internal/wal"
)

const testToken = "test-token-abc"

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.WAL.RootPath = dir

	metrics := obsmetrics.New(prometheus.NewRegistry())
	manager := wal.NewManager(dir, func() config.WAL { return cfg.WAL }, metrics, nil)
	registry := authn.NewRegistry(map[string]authn.TokenInfo{
		testToken: {Name: "test", Active: true},
	})
	limiter := authn.NewLimiter(1000, 1000)
	masker := masking.New(cfg.Masking.BaselineKeys, nil)
	dedupe := idempotency.New()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewPipeline(registry, limiter, masker, manager, dedupe, metrics, func() *config.Snapshot { return cfg }, func() time.Time { return now })
}

func validBatchJSON() string {
	return `{"entries":[{"timestamp":"2026-01-01T00:00:00Z","level":"INFO","message":"hello","service":"api","env":"prod"}]}`
}

func TestIngest_AcceptsValidBatch(t *testing.T) {
	p := testPipeline(t)
	result, gerr := p.Ingest(testToken, "", strings.NewReader(validBatchJSON()), 1<<20)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if result.Accepted != 1 {
		t.Errorf("expected 1 accepted record, got %d", result.Accepted)
	}
}

func TestIngest_UnknownTokenReturnsUnauthenticated(t *testing.T) {
	p := testPipeline(t)
	_, gerr := p.Ingest("not-a-real-token", "", strings.NewReader(validBatchJSON()), 1<<20)
	if gerr == nil {
		t.Fatal("expected an error for an unknown token")
	}
	if gerr.Kind != gwerrors.Unauthenticated {
		t.Errorf("expected UNAUTHENTICATED, got %s", gerr.Kind)
	}
}

func TestIngest_OversizedBodyReturnsTooLarge(t *testing.T) {
	p := testPipeline(t)
	_, gerr := p.Ingest(testToken, "", strings.NewReader(validBatchJSON()), 4)
	if gerr == nil || gerr.Kind != gwerrors.TooLarge {
		t.Fatalf("expected TOO_LARGE, got %v", gerr)
	}
}

func TestIngest_MalformedJSONReturnsSchemaInvalid(t *testing.T) {
	p := testPipeline(t)
	_, gerr := p.Ingest(testToken, "", strings.NewReader("{not json"), 1<<20)
	if gerr == nil || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", gerr)
	}
}

func TestIngest_EmptyBatchReturnsSchemaInvalid(t *testing.T) {
	p := testPipeline(t)
	_, gerr := p.Ingest(testToken, "", strings.NewReader(`{"entries":[]}`), 1<<20)
	if gerr == nil || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for empty batch, got %v", gerr)
	}
}

func TestIngest_RateLimitExceededReturnsRateLimited(t *testing.T) {
	p := testPipeline(t)
	p.limiter = authn.NewLimiter(0.0001, 1)

	if _, gerr := p.Ingest(testToken, "", strings.NewReader(validBatchJSON()), 1<<20); gerr != nil {
		t.Fatalf("first request should pass: %v", gerr)
	}
	_, gerr := p.Ingest(testToken, "", strings.NewReader(validBatchJSON()), 1<<20)
	if gerr == nil || gerr.Kind != gwerrors.RateLimited {
		t.Fatalf("expected RATE_LIMITED on second immediate request, got %v", gerr)
	}
}

func TestIngest_DuplicateIdempotencyKeyIsNotDoubleAppended(t *testing.T) {
	p := testPipeline(t)
	first, gerr := p.Ingest(testToken, "retry-1", strings.NewReader(validBatchJSON()), 1<<20)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	second, gerr := p.Ingest(testToken, "retry-1", strings.NewReader(validBatchJSON()), 1<<20)
	if gerr != nil {
		t.Fatalf("unexpected error on replay: %v", gerr)
	}
	if first.SegmentSeq != second.SegmentSeq || first.Accepted != second.Accepted {
		t.Errorf("expected identical Ack on replay, got %+v vs %+v", first, second)
	}
}
