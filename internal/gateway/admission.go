// Package gateway implements the admission pipeline that sequences
// authentication, rate limiting, validation, masking, and WAL append for
// every ingest request, plus the chi-routed HTTP surface (ingest, admin,
// health, metrics) that drives it.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/loggate/ingestgw/internal/authn"
	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/idempotency"
	"github.com/loggate/ingestgw/internal/ingest"
	"github.com/loggate/ingestgw/internal/masking"
	"github.com/loggate/ingestgw/internal/obsmetrics"
	"github.com/loggate/ingestgw/internal/wal"
)

// Pipeline runs the admission sequence for one ingest request:
// authenticate, rate-limit, parse & validate, mask, normalize, WAL
// append, with any step's failure short-circuiting the rest.
type Pipeline struct {
	registry   *authn.Registry
	limiter    *authn.Limiter
	normalizer *ingest.Normalizer
	wal        *wal.Manager
	dedupe     *idempotency.Cache
	metrics    *obsmetrics.Metrics
	getCfg     func() *config.Snapshot
	now        func() time.Time
}

// NewPipeline constructs a Pipeline over its collaborators. now is injected
// so tests can pin the receipt instant; production callers pass time.Now.
func NewPipeline(
	registry *authn.Registry,
	limiter *authn.Limiter,
	masker *masking.Engine,
	manager *wal.Manager,
	dedupe *idempotency.Cache,
	metrics *obsmetrics.Metrics,
	getCfg func() *config.Snapshot,
	now func() time.Time,
) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		registry:   registry,
		limiter:    limiter,
		normalizer: ingest.NewNormalizer(masker),
		wal:        manager,
		dedupe:     dedupe,
		metrics:    metrics,
		getCfg:     getCfg,
		now:        now,
	}
}

// Result is what a successful Ingest call reports back to the HTTP layer.
type Result struct {
	Accepted   int
	SegmentSeq uint64
}

// Ingest runs the full admission sequence for one raw request body,
// authenticated bearer token, and optional idempotency key.
func (p *Pipeline) Ingest(token, idempotencyKey string, body io.Reader, maxBytes int64) (Result, *gwerrors.Error) {
	info, err := p.registry.Authenticate(token)
	if err != nil {
		return Result{}, p.reject(token, asGWError(err), 1)
	}

	// A rate-limited request must not have its body read further.
	if err := p.limiter.Allow(token); err != nil {
		if p.metrics != nil {
			p.metrics.RateLimitExceededTotal.WithLabelValues(wal.HashToken(token)).Inc()
		}
		return Result{}, p.reject(token, asGWError(err), 1)
	}

	raw, readErr := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if readErr != nil {
		return Result{}, p.reject(token, gwerrors.New(gwerrors.Internal, "read request body: "+readErr.Error()), 1)
	}
	if int64(len(raw)) > maxBytes {
		return Result{}, p.reject(token, gwerrors.New(gwerrors.TooLarge, "request body exceeds configured size cap"), 1)
	}

	var batch ingest.IngestBatch
	if jerr := json.Unmarshal(raw, &batch); jerr != nil {
		return Result{}, p.reject(token, gwerrors.New(gwerrors.SchemaInvalid, "malformed JSON body: "+jerr.Error()), 1)
	}
	if verr := ingest.ValidateBatch(raw, &batch); verr != nil {
		return Result{}, p.reject(token, asGWError(verr), len(batch.Entries))
	}

	ingestTime := p.now()
	records, maskResult, nerr := p.normalizer.Normalize(&batch, ingestTime, info.MaskExtra)
	if nerr != nil {
		return Result{}, p.reject(token, asGWError(nerr), len(batch.Entries))
	}
	if maskResult.FellBackToBaseline && p.metrics != nil {
		p.metrics.MaskingErrorsTotal.Inc()
	}
	if p.metrics != nil {
		p.metrics.BatchSizeEntries.Observe(float64(len(records)))
	}

	walRecords := make([]wal.Record, len(records))
	for i, r := range records {
		walRecords[i] = wal.Record{
			Labels:           r.Labels,
			Line:             r.Line,
			IngestTimeUnixMs: r.IngestTime.UnixMilli(),
		}
	}

	ack, aerr := p.dedupe.Do(token, idempotencyKey, func() (wal.Ack, error) {
		return p.wal.Append(token, walRecords)
	})
	if aerr != nil {
		return Result{}, p.reject(token, asGWError(aerr), len(walRecords))
	}

	return Result{Accepted: ack.Count, SegmentSeq: ack.SegmentSeq}, nil
}

// reject counts the rejection against logs_rejected_total{token,reason} and
// passes the error through, so every early-return in Ingest stays a single
// expression. entries is the number of log entries turned away, or 1 when
// the failure happened before the batch could be parsed.
func (p *Pipeline) reject(token string, gerr *gwerrors.Error, entries int) *gwerrors.Error {
	if p.metrics != nil {
		if entries < 1 {
			entries = 1
		}
		p.metrics.LogsRejectedTotal.WithLabelValues(wal.HashToken(token), string(gerr.Kind)).Add(float64(entries))
	}
	return gerr
}

// asGWError coerces any error into a *gwerrors.Error, defaulting to
// INTERNAL for errors the pipeline's collaborators did not already tag.
func asGWError(err error) *gwerrors.Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*gwerrors.Error); ok {
		return ge
	}
	return gwerrors.New(gwerrors.Internal, err.Error())
}

// errorResponse is the JSON body for a non-2xx ingest response.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, requestID string, gerr *gwerrors.Error) {
	status := gerr.Kind.HTTPStatus()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Code:      string(gerr.Kind),
		Message:   gerr.Message,
		Field:     gerr.Field,
		RequestID: requestID,
	})
}
