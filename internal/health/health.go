// Package health implements the liveness and readiness probes, and the
// admin status payload that joins WAL and forwarder state for the
// /v1/admin/status endpoint.
package health

import (
	"sync/atomic"
	"time"

	"github.com/loggate/ingestgw/internal/wal"
)

// probeFreshness bounds how long ago a background probe's last success may
// have been and still count as healthy.
const probeFreshness = 60 * time.Second

// Checker aggregates every readiness signal the gateway exposes: the
// sink's own /ready probe, disk free ratio, the WAL root's writability and
// last recovery outcome, and the forwarder's liveness, plus the process's
// own shutdown-drain state.
type Checker struct {
	wal           *wal.Manager
	diskFreeRatio func() (float64, error)
	minFreeRatio  func() float64

	// sinkLastOKAt and forwarderLastProgressAt report the instant of the
	// last successful sink /ready probe and the last completed forwarder
	// round, respectively. Either may be nil, in which case that probe is
	// skipped, for tests and any caller that hasn't wired a live
	// sink prober or forwarder yet.
	sinkLastOKAt            func() time.Time
	forwarderLastProgressAt func() time.Time

	draining atomic.Bool
}

// NewChecker constructs a Checker. minFreeRatio, sinkLastOKAt, and
// forwarderLastProgressAt are all read live so config hot-reloads and
// ongoing background probes are honored without reconstructing the
// checker.
func NewChecker(
	manager *wal.Manager,
	diskFreeRatio func() (float64, error),
	minFreeRatio func() float64,
	sinkLastOKAt func() time.Time,
	forwarderLastProgressAt func() time.Time,
) *Checker {
	return &Checker{
		wal:                     manager,
		diskFreeRatio:           diskFreeRatio,
		minFreeRatio:            minFreeRatio,
		sinkLastOKAt:            sinkLastOKAt,
		forwarderLastProgressAt: forwarderLastProgressAt,
	}
}

// SetDraining marks the process as shutting down; readiness reports false
// immediately so a load balancer stops sending new traffic while in-flight
// requests drain.
func (c *Checker) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// Reason is a machine-checkable readiness failure cause.
type Reason string

const (
	ReasonDraining         Reason = "draining"
	ReasonDiskLow          Reason = "disk_free_ratio_below_minimum"
	ReasonDiskErr          Reason = "disk_free_ratio_unavailable"
	ReasonWALNotWritable   Reason = "wal_root_not_writable"
	ReasonWALRecoverFailed Reason = "wal_recover_failed"
	ReasonSinkUnreachable  Reason = "sink_unreachable"
	ReasonForwarderWedged  Reason = "forwarder_wedged"
)

// Ready composes every probe into one readiness decision and reports the
// full set of failing probes, not just the first, so /readyz can enumerate
// them.
func (c *Checker) Ready() (bool, []Reason) {
	var reasons []Reason

	if c.draining.Load() {
		reasons = append(reasons, ReasonDraining)
	}

	if c.diskFreeRatio != nil {
		ratio, err := c.diskFreeRatio()
		if err != nil {
			reasons = append(reasons, ReasonDiskErr)
		} else if c.minFreeRatio != nil && ratio < c.minFreeRatio() {
			reasons = append(reasons, ReasonDiskLow)
		}
	}

	if c.wal != nil {
		if !c.wal.Writable() {
			reasons = append(reasons, ReasonWALNotWritable)
		}
		if !c.wal.RecoverOK() {
			reasons = append(reasons, ReasonWALRecoverFailed)
		}
	}

	if c.sinkLastOKAt != nil {
		if last := c.sinkLastOKAt(); last.IsZero() || time.Since(last) > probeFreshness {
			reasons = append(reasons, ReasonSinkUnreachable)
		}
	}

	if c.forwarderLastProgressAt != nil {
		if last := c.forwarderLastProgressAt(); last.IsZero() || time.Since(last) > probeFreshness {
			reasons = append(reasons, ReasonForwarderWedged)
		}
	}

	return len(reasons) == 0, reasons
}

// TenantStatus summarizes one tenant for the admin status endpoint.
type TenantStatus struct {
	TokenHash      string        `json:"token_hash"`
	SealedSegments int           `json:"sealed_segments"`
	QuotaBytes     int64         `json:"quota_bytes_used"`
	QuotaRatio     float64       `json:"quota_ratio"`
	OldestAge      time.Duration `json:"oldest_segment_age"`
}

// TenantStatuses reports every tenant the WAL currently knows about.
func (c *Checker) TenantStatuses() []TenantStatus {
	hashes := c.wal.ListTenantHashes()
	out := make([]TenantStatus, 0, len(hashes))
	for _, h := range hashes {
		sealed, err := c.wal.ListSealed(h)
		if err != nil {
			continue
		}
		qs, err := c.wal.QuotaStateByHash(h)
		if err != nil {
			continue
		}
		out = append(out, TenantStatus{
			TokenHash:      h,
			SealedSegments: len(sealed),
			QuotaBytes:     qs.Bytes,
			QuotaRatio:     qs.Ratio,
			OldestAge:      qs.Age,
		})
	}
	return out
}
