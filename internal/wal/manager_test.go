package wal

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/obsmetrics"
)

func testManager(t *testing.T, cfg config.WAL) *Manager {
	t.Helper()
	dir := t.TempDir()
	metrics := obsmetrics.New(prometheus.NewRegistry())
	return NewManager(dir, func() config.WAL { return cfg }, metrics, nil)
}

func sampleRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			Labels:           map[string]string{"service": "api", "env": "prod"},
			Line:             map[string]interface{}{"message": "hello"},
			IngestTimeUnixMs: 1000,
		}
	}
	return out
}

func TestAppend_ReturnsIncrementingOffsets(t *testing.T) {
	cfg := testWALConfig()
	cfg.TokenWALQuotaBytes = 1 << 30
	m := testManager(t, cfg)

	ack1, err := m.Append("tok1", sampleRecords(3))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ack1.FirstOffset != 0 || ack1.Count != 3 {
		t.Fatalf("ack1 = %+v", ack1)
	}

	ack2, err := m.Append("tok1", sampleRecords(2))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ack2.FirstOffset != 3 || ack2.Count != 2 {
		t.Fatalf("ack2 = %+v", ack2)
	}
}

func TestAppend_SizeLimitTriggersSeal(t *testing.T) {
	cfg := testWALConfig()
	cfg.SegmentMaxBytes = 64 // tiny, forces rotation almost immediately
	cfg.TokenWALQuotaBytes = 1 << 30
	m := testManager(t, cfg)

	if _, err := m.Append("tok1", sampleRecords(5)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sealed, err := m.ListSealed(HashToken("tok1"))
	if err != nil {
		t.Fatalf("ListSealed: %v", err)
	}
	if len(sealed) == 0 {
		t.Fatal("expected at least one sealed segment once the size limit was exceeded")
	}
}

func TestSealAndReplay_RoundTrip(t *testing.T) {
	cfg := testWALConfig()
	cfg.TokenWALQuotaBytes = 1 << 30
	m := testManager(t, cfg)

	if _, err := m.Append("tok1", sampleRecords(4)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	hash := HashToken("tok1")
	if err := m.Flush(hash); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sealed, err := m.ListSealed(hash)
	if err != nil {
		t.Fatalf("ListSealed: %v", err)
	}
	if len(sealed) != 1 {
		t.Fatalf("len(sealed) = %d, want 1", len(sealed))
	}

	it, err := m.OpenReader(sealed[0])
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer it.Close()

	count := 0
	for {
		_, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 4 {
		t.Errorf("replayed %d records, want 4", count)
	}
}

func TestEnforceQuota_RejectsNearQuota(t *testing.T) {
	cfg := testWALConfig()
	cfg.TokenWALQuotaBytes = 200 // small enough to cross 80%/100% quickly
	m := testManager(t, cfg)

	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = m.Append("tok1", sampleRecords(1))
		if lastErr != nil {
			break
		}
	}
	gerr, ok := lastErr.(*gwerrors.Error)
	if !ok {
		t.Fatalf("expected a gwerrors.Error once quota was exceeded, got %v", lastErr)
	}
	if gerr.Kind != gwerrors.QuotaSoft && gerr.Kind != gwerrors.QuotaHard {
		t.Fatalf("expected QUOTA_SOFT or QUOTA_HARD, got %v", gerr.Kind)
	}
}

func TestDelete_RemovesFileAndSealedEntry(t *testing.T) {
	cfg := testWALConfig()
	cfg.TokenWALQuotaBytes = 1 << 30
	m := testManager(t, cfg)

	m.Append("tok1", sampleRecords(2))
	hash := HashToken("tok1")
	m.Flush(hash)

	sealed, _ := m.ListSealed(hash)
	if len(sealed) != 1 {
		t.Fatalf("setup: want 1 sealed segment, got %d", len(sealed))
	}
	if err := m.Delete(sealed[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(sealed[0].Path); !os.IsNotExist(err) {
		t.Error("segment file should have been removed")
	}
	remaining, _ := m.ListSealed(hash)
	if len(remaining) != 0 {
		t.Errorf("len(remaining) = %d, want 0", len(remaining))
	}
}

func TestRecover_SealsTornActiveSegment(t *testing.T) {
	cfg := testWALConfig()
	cfg.TokenWALQuotaBytes = 1 << 30
	dir := t.TempDir()

	hash := HashToken("tok1")
	tenantDir := filepath.Join(dir, hash)
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(tenantDir, segmentFileName(1))
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	hashUint, err := strconv.ParseUint(hash, 16, 64)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeHeader(f, segmentHeader{TokenHash: hashUint, CreatedUnixMs: 1}); err != nil {
		t.Fatal(err)
	}
	payload, err := sampleRecords(1)[0].encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writeFrame(f, payload); err != nil {
		t.Fatal(err)
	}
	// simulate a crash mid-frame: a length-prefixed record whose payload
	// never fully landed.
	var partial [8]byte
	partial[0], partial[1], partial[2], partial[3] = 0, 0, 0, 100
	if _, err := f.Write(partial[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("short")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	metrics := obsmetrics.New(prometheus.NewRegistry())
	m := NewManager(dir, func() config.WAL { return cfg }, metrics, nil)
	if err := m.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// The previously-active segment is sealed on recovery, not reopened:
	// the gateway never resumes writing into an old segment. A new
	// segment must absorb further writes.
	sealedAfterRecover, err := m.ListSealed(hash)
	if err != nil || len(sealedAfterRecover) != 1 {
		t.Fatalf("ListSealed after recovery = %+v, %v", sealedAfterRecover, err)
	}

	if _, err := m.Append("tok1", sampleRecords(1)); err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if err := m.Flush(hash); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sealed, err := m.ListSealed(hash)
	if err != nil || len(sealed) != 2 {
		t.Fatalf("ListSealed after append+flush = %+v, %v", sealed, err)
	}

	var total int
	for _, h := range sealed {
		it, err := m.OpenReader(h)
		if err != nil {
			t.Fatalf("OpenReader: %v", err)
		}
		for {
			_, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			total++
		}
		it.Close()
	}
	// The intact pre-crash frame (recovered segment) plus the one
	// appended after recovery; the torn frame must not have been replayed.
	if total != 2 {
		t.Errorf("replayed %d records across both segments, want 2 (torn tail discarded)", total)
	}
}

