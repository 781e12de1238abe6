package wal

import (
	"time"

	"github.com/loggate/ingestgw/internal/config"
)

// segmentLimit returns the effective segment size cap: the configured
// value, clamped to the hard ceiling (config may set a lower value but
// never a higher one).
func segmentLimit(cfg config.WAL) int64 {
	if cfg.SegmentMaxBytes > 0 && cfg.SegmentMaxBytes < SegmentMaxBytes {
		return cfg.SegmentMaxBytes
	}
	return SegmentMaxBytes
}

// decideRotation implements the adaptive rotation tree, evaluated on every
// append after a successful write and on every sweep tick: rotate at the
// size limit, keep tiny young segments open, rotate actively-written
// segments on a short interval once they have real data, rotate idle
// segments on a long one, and force-rotate anything open too long.
func decideRotation(cfg config.WAL, size int64, age, sinceLastWrite time.Duration) (bool, RotationReason) {
	if size >= segmentLimit(cfg) {
		return true, ReasonSizeLimit
	}
	if size < cfg.MinRotationBytes && age < cfg.ForceRotationAge() {
		return false, ""
	}
	if sinceLastWrite < cfg.IdleThreshold() && age >= cfg.RotationTimeActive() && size >= cfg.MinRotationBytes {
		return true, ReasonActive
	}
	if sinceLastWrite >= cfg.IdleThreshold() && age >= cfg.RotationTimeIdle() {
		return true, ReasonIdle
	}
	if age >= cfg.ForceRotationAge() {
		return true, ReasonForce
	}
	return false, ""
}
