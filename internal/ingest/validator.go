package ingest

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/masking"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Normalizer validates an IngestBatch's field constraints and produces
// NormalizedRecords, applying masking strictly before anything reaches
// the WAL.
type Normalizer struct {
	masker *masking.Engine
}

// NewNormalizer constructs a Normalizer around a masking engine.
func NewNormalizer(masker *masking.Engine) *Normalizer {
	return &Normalizer{masker: masker}
}

// ValidateBatch enforces the batch size caps before any per-entry
// validation runs, so a too-large batch is rejected with TOO_LARGE rather
// than SCHEMA_INVALID.
func ValidateBatch(raw []byte, batch *IngestBatch) error {
	if len(raw) > MaxBatchBytes {
		return gwerrors.New(gwerrors.TooLarge, "batch serialized size exceeds 1 MiB")
	}
	if len(batch.Entries) > MaxBatchEntries {
		return gwerrors.New(gwerrors.TooLarge, "batch exceeds 500 entries")
	}
	if len(batch.Entries) == 0 {
		return gwerrors.New(gwerrors.SchemaInvalid, "batch must contain at least one entry")
	}
	return nil
}

// Normalize validates and normalizes every entry in batch, stamping a
// single ingestTime for the whole batch (once per batch, not per record),
// and applying masking with extraMaskKeys merged in for this token. It
// returns the first validation error encountered.
func (n *Normalizer) Normalize(batch *IngestBatch, ingestTime time.Time, extraMaskKeys []string) ([]NormalizedRecord, *masking.Result, error) {
	cfg, maskResult := n.masker.WithTokenOverride(extraMaskKeys)

	records := make([]NormalizedRecord, 0, len(batch.Entries))
	for i, e := range batch.Entries {
		rec, err := n.normalizeOne(e, ingestTime, cfg)
		if err != nil {
			if fe, ok := err.(*gwerrors.Error); ok {
				return nil, nil, fe.WithField("entries[" + strconv.Itoa(i) + "]")
			}
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return records, &maskResult, nil
}

func (n *Normalizer) normalizeOne(e LogEntry, ingestTime time.Time, cfg masking.Config) (NormalizedRecord, error) {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "timestamp must be RFC3339 with millisecond precision").WithField("timestamp")
	}
	if ts.After(ingestTime.Add(MaxFutureSkew)) {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "timestamp more than 24h in the future").WithField("timestamp")
	}
	if ts.Before(ingestTime.Add(-MaxPastSkew)) {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "timestamp more than 14d in the past").WithField("timestamp")
	}

	level := Level(strings.ToUpper(e.Level))
	if !validLevels[level] {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "level must be one of DEBUG, INFO, WARN, ERROR, FATAL").WithField("level")
	}

	if e.Message == "" {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "message must not be empty").WithField("message")
	}
	if len(e.Message) > MaxMessageBytes {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "message exceeds 32 KiB").WithField("message")
	}
	if !utf8.ValidString(e.Message) {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "message must be valid UTF-8").WithField("message")
	}

	if err := validateNameField(e.Service); err != nil {
		return NormalizedRecord{}, err.WithField("service")
	}
	if err := validateNameField(e.Env); err != nil {
		return NormalizedRecord{}, err.WithField("env")
	}

	if len(e.Labels) > MaxLabelKeys {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "labels exceed 6 keys").WithField("labels")
	}
	for k, v := range e.Labels {
		if !allowedLabelKeys[k] {
			return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "label key not in allowlist: "+k).WithField("labels")
		}
		if len(v) > MaxFieldChars {
			return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "label value exceeds 64 chars").WithField("labels")
		}
	}

	if len(e.TraceID) > MaxOpaqueIDChars {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "trace_id exceeds 128 chars").WithField("trace_id")
	}
	if len(e.SpanID) > MaxOpaqueIDChars {
		return NormalizedRecord{}, gwerrors.New(gwerrors.SchemaInvalid, "span_id exceeds 128 chars").WithField("span_id")
	}

	labels := map[string]string{
		"service": e.Service,
		"env":     e.Env,
		"level":   string(level),
	}
	for k, v := range e.Labels {
		if k == "service" || k == "env" || k == "level" {
			continue
		}
		labels[k] = v
	}

	line := map[string]interface{}{
		"timestamp": e.Timestamp,
		"message":   e.Message,
	}
	if e.TraceID != "" {
		line["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		line["span_id"] = e.SpanID
	}
	if e.Metadata != nil {
		line["metadata"] = toGenericMap(e.Metadata)
	}

	masked := n.masker.MaskTree(cfg, line).(map[string]interface{})

	return NormalizedRecord{
		Labels:     labels,
		Line:       masked,
		IngestTime: ingestTime,
	}, nil
}

func validateNameField(v string) *gwerrors.Error {
	if v == "" {
		return gwerrors.New(gwerrors.SchemaInvalid, "must not be empty")
	}
	if len(v) > MaxFieldChars {
		return gwerrors.New(gwerrors.SchemaInvalid, "exceeds 64 chars")
	}
	if !fieldNamePattern.MatchString(v) {
		return gwerrors.New(gwerrors.SchemaInvalid, "must match [A-Za-z0-9._-]+")
	}
	return nil
}

func toGenericMap(m map[string]interface{}) map[string]interface{} {
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}

// CanonicalJSON re-serializes v with sorted object keys for deterministic
// hashing.
func CanonicalJSON(v interface{}) ([]byte, error) {
	return canonicalMarshal(v)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := canonicalMarshal(t[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []interface{}:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			eb, err := canonicalMarshal(e)
			if err != nil {
				return nil, err
			}
			b.Write(eb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(v)
	}
}

