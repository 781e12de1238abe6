// Package ingest implements the validator and normalizer that turns
// client-supplied LogEntry batches into NormalizedRecords ready for the
// WAL.
package ingest

import "time"

// Level is one of the five accepted severities.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

var validLevels = map[Level]bool{
	LevelDebug: true, LevelInfo: true, LevelWarn: true, LevelError: true, LevelFatal: true,
}

// allowedLabelKeys is the closed set of label keys a client may supply.
var allowedLabelKeys = map[string]bool{
	"service": true, "env": true, "level": true,
	"schema_version": true, "region": true, "tenant": true,
}

// LogEntry is one client-supplied entry, pre-validation.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Service   string                 `json:"service"`
	Env       string                 `json:"env"`
	Labels    map[string]string      `json:"labels,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// IngestBatch is the request body of POST /v1/logs:ingest.
type IngestBatch struct {
	Entries []LogEntry `json:"entries"`
}

// NormalizedRecord is what C5 stores: extracted labels, the masked+canonical
// line object, and the server's receipt instant.
type NormalizedRecord struct {
	Labels     map[string]string `json:"labels"`
	Line       map[string]interface{} `json:"line"`
	IngestTime time.Time         `json:"ingest_time"`
}

const (
	MaxMessageBytes  = 32 * 1024
	MaxFieldChars    = 64
	MaxOpaqueIDChars = 128
	MaxIdempotencyKeyChars = 128
	MaxLabelKeys     = 6
	MaxBatchEntries  = 500
	MaxBatchBytes    = 1 << 20
	MaxFutureSkew    = 24 * time.Hour
	MaxPastSkew      = 14 * 24 * time.Hour
)
