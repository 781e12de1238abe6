package wal

import (
	"encoding/json"
	"time"
)

// Ack is returned to the admission pipeline after a durable append.
type Ack struct {
	SegmentSeq  uint64
	FirstOffset int64
	Count       int
}

// SegmentHandle identifies one sealed segment file on disk. Token holds the
// tenant's safe hex hash (see HashToken), never the raw bearer token, since
// the filesystem layout and the forwarder both operate on the hash alone.
type SegmentHandle struct {
	Token     string
	Seq       uint64
	Path      string
	CreatedAt time.Time
}

// Record is the unit C5 appends and C6 replays: a masked, labeled log line
// plus the batch's ingest instant.
type Record struct {
	Labels           map[string]string      `json:"labels"`
	Line             map[string]interface{} `json:"line"`
	IngestTimeUnixMs int64                  `json:"ingest_time_unix_ms"`
}

func (r Record) encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord reverses Record.encode, used by the forwarder when replaying
// a sealed segment.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(b, &r)
	return r, err
}

// QuotaState reports a tenant's current usage against its quota.
type QuotaState struct {
	Bytes int64
	Age   time.Duration
	Ratio float64
}

// RotationReason labels why a segment was sealed, for
// wal_segments_created_total{token,reason}.
type RotationReason string

const (
	ReasonSizeLimit     RotationReason = "size_limit"
	ReasonActive        RotationReason = "active_rotation"
	ReasonIdle          RotationReason = "idle_rotation"
	ReasonForce         RotationReason = "force_rotation"
	ReasonManualSeal    RotationReason = "manual_seal"
	ReasonAdminFlush    RotationReason = "admin_flush"
	ReasonRecoveredOpen RotationReason = "recovered_active"
)
