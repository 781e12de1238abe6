package ingest

import (
	"testing"
	"time"

	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/masking"
)

func newTestNormalizer() *Normalizer {
	e := masking.New([]string{"password", "authorization"}, map[string]struct {
		KeepPrefix int
		MaskEmail  bool
	}{
		"authorization": {KeepPrefix: 5},
	})
	return NewNormalizer(e)
}

func TestValidateBatch_TooLarge(t *testing.T) {
	entries := make([]LogEntry, MaxBatchEntries+1)
	batch := &IngestBatch{Entries: entries}
	err := ValidateBatch(make([]byte, 10), batch)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.TooLarge {
		t.Fatalf("expected TOO_LARGE, got %v", err)
	}
}

func TestValidateBatch_EmptyIsSchemaInvalid(t *testing.T) {
	batch := &IngestBatch{}
	err := ValidateBatch(make([]byte, 10), batch)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
}

func TestNormalize_HappyPath(t *testing.T) {
	n := newTestNormalizer()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := &IngestBatch{Entries: []LogEntry{{
		Timestamp: "2025-01-01T00:00:00.000Z",
		Level:     "info",
		Message:   "hi",
		Service:   "s",
		Env:       "dev",
	}}}

	records, _, err := n.Normalize(batch, now, nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Labels["service"] != "s" || rec.Labels["env"] != "dev" || rec.Labels["level"] != "INFO" {
		t.Errorf("labels = %v", rec.Labels)
	}
	if rec.Line["message"] != "hi" {
		t.Errorf("line message = %v", rec.Line["message"])
	}
	if !rec.IngestTime.Equal(now) {
		t.Errorf("ingest time = %v, want %v", rec.IngestTime, now)
	}
}

func TestNormalize_MasksMetadata(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now()
	batch := &IngestBatch{Entries: []LogEntry{{
		Timestamp: now.Format(time.RFC3339Nano),
		Level:     "INFO",
		Message:   "hi",
		Service:   "s",
		Env:       "dev",
		Metadata: map[string]interface{}{
			"password":      "hunter2",
			"authorization": "Bearer abcdefxyz",
		},
	}}}

	records, _, err := n.Normalize(batch, now, nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	meta := records[0].Line["metadata"].(map[string]interface{})
	if meta["password"] != "****" {
		t.Errorf("password = %v, want ****", meta["password"])
	}
	if meta["authorization"] != "Beare****" {
		t.Errorf("authorization = %v, want Beare****", meta["authorization"])
	}
}

func TestNormalize_RejectsFutureTimestamp(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now()
	batch := &IngestBatch{Entries: []LogEntry{{
		Timestamp: now.Add(48 * time.Hour).Format(time.RFC3339Nano),
		Level:     "INFO",
		Message:   "hi",
		Service:   "s",
		Env:       "dev",
	}}}
	_, _, err := n.Normalize(batch, now, nil)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
}

func TestNormalize_RejectsPastTimestamp(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now()
	batch := &IngestBatch{Entries: []LogEntry{{
		Timestamp: now.Add(-15 * 24 * time.Hour).Format(time.RFC3339Nano),
		Level:     "INFO",
		Message:   "hi",
		Service:   "s",
		Env:       "dev",
	}}}
	_, _, err := n.Normalize(batch, now, nil)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
}

func TestNormalize_RejectsBadLabelKey(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now()
	batch := &IngestBatch{Entries: []LogEntry{{
		Timestamp: now.Format(time.RFC3339Nano),
		Level:     "INFO",
		Message:   "hi",
		Service:   "s",
		Env:       "dev",
		Labels:    map[string]string{"not_allowed": "x"},
	}}}
	_, _, err := n.Normalize(batch, now, nil)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
}

func TestNormalize_RejectsBadServiceChars(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now()
	batch := &IngestBatch{Entries: []LogEntry{{
		Timestamp: now.Format(time.RFC3339Nano),
		Level:     "INFO",
		Message:   "hi",
		Service:   "s vc!",
		Env:       "dev",
	}}}
	_, _, err := n.Normalize(batch, now, nil)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.SchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	v := map[string]interface{}{"b": 1.0, "a": 2.0}
	out, err := CanonicalJSON(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":2,"b":1}` {
		t.Errorf("CanonicalJSON = %s", out)
	}
}
