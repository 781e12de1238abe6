// Package forwarder drains sealed WAL segments and pushes them to the
// Loki-compatible sink, with per-tenant retry, backoff, and park
// semantics. One push per tenant per scheduler round keeps tenants fair;
// a tenant in backoff never blocks the others.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/wal"
)

// PushClient posts sealed-segment records to a Loki-compatible push API.
type PushClient struct {
	getCfg func() config.Loki
}

// NewPushClient constructs a PushClient against a live Loki configuration.
func NewPushClient(getCfg func() config.Loki) *PushClient {
	return &PushClient{getCfg: getCfg}
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

// Push sends records to the configured sink, chunked to respect
// max_values_per_push/max_bytes_per_push, and returns the HTTP status of
// the last attempted chunk plus any Retry-After delay the sink supplied
// with a 429. A non-2xx status on any chunk aborts the remaining chunks
// and is returned alongside an error, following the Loki client's "only
// retry 429/5xx/network errors" classification (left to the caller, which
// inspects the returned status).
func (p *PushClient) Push(ctx context.Context, tenantHash string, records []wal.Record) (int, time.Duration, error) {
	cfg := p.getCfg()
	if cfg.BaseURL == "" {
		return 0, 0, fmt.Errorf("loki base_url not configured")
	}

	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	url := strings.TrimRight(cfg.BaseURL, "/") + "/loki/api/v1/push"

	lastStatus := 0
	for _, chunk := range chunkRecords(records, cfg.MaxValuesPerPush, cfg.MaxBytesPerPush) {
		body, err := encodePushRequest(chunk)
		if err != nil {
			return 0, 0, fmt.Errorf("encode push request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ingestgw")
		req.Header.Set("X-Scope-OrgID", tenantHash)
		if cfg.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			return 0, 0, err
		}
		resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode/100 != 2 {
			return lastStatus, parseRetryAfter(resp), fmt.Errorf("sink returned HTTP status %d", lastStatus)
		}
	}
	return lastStatus, 0, nil
}

// parseRetryAfter reads a 429 response's Retry-After header, accepting both
// the delta-seconds and HTTP-date forms. Zero means the header was absent
// or unparsable and the caller's own backoff schedule applies.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Ready checks the sink's own readiness endpoint, independent of any
// segment push attempt, so the gateway's readiness composition can detect
// a sink outage even for a tenant with nothing currently sealed to push.
func (p *PushClient) Ready(ctx context.Context) error {
	cfg := p.getCfg()
	if cfg.BaseURL == "" {
		return fmt.Errorf("loki base_url not configured")
	}

	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	url := strings.TrimRight(cfg.BaseURL, "/") + "/ready"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sink /ready returned HTTP status %d", resp.StatusCode)
	}
	return nil
}

// chunkRecords splits records into pushable groups bounded by maxValues
// count and an approximate maxBytes serialized size. A zero limit disables
// that bound.
func chunkRecords(records []wal.Record, maxValues int, maxBytes int64) [][]wal.Record {
	if len(records) == 0 {
		return nil
	}
	var chunks [][]wal.Record
	var current []wal.Record
	var currentBytes int64

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, r := range records {
		approx := int64(len(r.Line)*48 + len(r.Labels)*24 + 64)
		if (maxValues > 0 && len(current) >= maxValues) ||
			(maxBytes > 0 && currentBytes+approx > maxBytes && len(current) > 0) {
			flush()
		}
		current = append(current, r)
		currentBytes += approx
	}
	flush()
	return chunks
}

func encodePushRequest(records []wal.Record) ([]byte, error) {
	streamsByKey := make(map[string]*lokiStream)
	var order []string

	for _, r := range records {
		key := labelKey(r.Labels)
		s, ok := streamsByKey[key]
		if !ok {
			s = &lokiStream{Stream: r.Labels}
			streamsByKey[key] = s
			order = append(order, key)
		}
		lineJSON, err := json.Marshal(r.Line)
		if err != nil {
			return nil, err
		}
		s.Values = append(s.Values, [2]string{pushTimestamp(r), string(lineJSON)})
	}

	req := lokiPushRequest{Streams: make([]lokiStream, 0, len(order))}
	for _, k := range order {
		s := streamsByKey[k]
		// Values within a stream are sent in ascending timestamp order;
		// entry-declared timestamps are not guaranteed monotonic across
		// records the way ingest instants were.
		sort.SliceStable(s.Values, func(i, j int) bool {
			a, _ := strconv.ParseInt(s.Values[i][0], 10, 64)
			b, _ := strconv.ParseInt(s.Values[j][0], 10, 64)
			return a < b
		})
		req.Streams = append(req.Streams, *s)
	}
	return json.Marshal(req)
}

// pushTimestamp returns the entry's own declared timestamp as unix
// nanoseconds. The line's timestamp and the ingest instant are distinct
// fields that may differ by hours; the sink gets the log's actual event
// time. The ingest instant is only a fallback for a line with no
// parsable timestamp.
func pushTimestamp(r wal.Record) string {
	if raw, ok := r.Line["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return strconv.FormatInt(t.UnixNano(), 10)
		}
	}
	return strconv.FormatInt(r.IngestTimeUnixMs*int64(time.Millisecond), 10)
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
