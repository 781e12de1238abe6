package wal

import (
	"testing"
	"time"

	"github.com/loggate/ingestgw/internal/config"
)

func testWALConfig() config.WAL {
	return config.WAL{
		SegmentMaxBytes:       1 << 20,
		MinRotationBytes:      1024,
		RotationTimeActiveMin: 5,
		RotationTimeIdleHours: 1,
		IdleThresholdMinutes:  10,
		ForceRotationHours:    6,
	}
}

func TestDecideRotation_SizeLimit(t *testing.T) {
	cfg := testWALConfig()
	rotate, reason := decideRotation(cfg, cfg.SegmentMaxBytes, time.Minute, 0)
	if !rotate || reason != ReasonSizeLimit {
		t.Fatalf("got (%v, %v), want (true, %v)", rotate, reason, ReasonSizeLimit)
	}
}

func TestDecideRotation_TooSmallStaysOpen(t *testing.T) {
	cfg := testWALConfig()
	rotate, _ := decideRotation(cfg, 10, time.Minute, 0)
	if rotate {
		t.Fatal("a tiny, young segment should not rotate")
	}
}

func TestDecideRotation_ActiveRotation(t *testing.T) {
	cfg := testWALConfig()
	rotate, reason := decideRotation(cfg, cfg.MinRotationBytes, cfg.RotationTimeActive()+time.Second, time.Second)
	if !rotate || reason != ReasonActive {
		t.Fatalf("got (%v, %v), want (true, %v)", rotate, reason, ReasonActive)
	}
}

func TestDecideRotation_IdleRotation(t *testing.T) {
	cfg := testWALConfig()
	rotate, reason := decideRotation(cfg, cfg.MinRotationBytes, cfg.RotationTimeIdle()+time.Second, cfg.IdleThreshold()+time.Second)
	if !rotate || reason != ReasonIdle {
		t.Fatalf("got (%v, %v), want (true, %v)", rotate, reason, ReasonIdle)
	}
}

func TestDecideRotation_ForceRotation(t *testing.T) {
	cfg := testWALConfig()
	// Below MinRotationBytes so the active-rotation branch does not also
	// match; force rotation is the fallback for a small segment open too long.
	rotate, reason := decideRotation(cfg, 10, cfg.ForceRotationAge()+time.Second, time.Second)
	if !rotate || reason != ReasonForce {
		t.Fatalf("got (%v, %v), want (true, %v)", rotate, reason, ReasonForce)
	}
}
