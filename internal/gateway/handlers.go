package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/forwarder"
	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/health"
	"github.com/loggate/ingestgw/internal/wal"
)

const maxIdempotencyKeyChars = 128

// ingestResponse is the 202 body for POST /v1/logs:ingest.
type ingestResponse struct {
	Accepted   int    `json:"accepted"`
	SegmentSeq uint64 `json:"segment_seq"`
}

// IngestHandler returns the handler for POST /v1/logs:ingest.
func IngestHandler(pipeline *Pipeline, getCfg func() *config.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, requestID, gwerrors.New(gwerrors.Unauthenticated, "missing or malformed Authorization header"))
			return
		}

		idempotencyKey := r.Header.Get("X-Idempotency-Key")
		if len(idempotencyKey) > maxIdempotencyKeyChars {
			writeError(w, requestID, gwerrors.New(gwerrors.SchemaInvalid, "X-Idempotency-Key exceeds 128 chars"))
			return
		}

		cfg := getCfg()
		result, gerr := pipeline.Ingest(token, idempotencyKey, r.Body, int64(maxBatchBytes(cfg)))
		if gerr != nil {
			hlog.FromRequest(r).Warn().Str("code", string(gerr.Kind)).Msg("ingest rejected")
			writeError(w, requestID, gerr)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(ingestResponse{Accepted: result.Accepted, SegmentSeq: result.SegmentSeq})
	}
}

func maxBatchBytes(cfg *config.Snapshot) int {
	_ = cfg
	return 1 << 20 // the wire contract caps a batch at 1 MiB serialized
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

// HealthzHandler always reports 200 while the process loop is responsive;
// liveness has no dependency checks.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type readyzProbe struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

type readyzResponse struct {
	Status string        `json:"status"`
	Probes []readyzProbe `json:"probes,omitempty"`
}

// ReadyzHandler composes the checker's probes into a single readiness
// decision, enumerating every failing probe on a 503.
func ReadyzHandler(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, reasons := checker.Ready()
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(readyzResponse{Status: "ready"})
			return
		}
		probes := make([]readyzProbe, 0, len(reasons))
		for _, reason := range reasons {
			probes = append(probes, readyzProbe{Name: string(reason), OK: false})
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(readyzResponse{
			Status: "not_ready",
			Probes: probes,
		})
	}
}

// adminFlushRequest is the body of POST /v1/admin/flush.
type adminFlushRequest struct {
	Token string `json:"token,omitempty"`
	Force bool   `json:"force,omitempty"`
}

type flushedSegment struct {
	TokenHash string `json:"token_hash"`
	Seq       uint64 `json:"seq"`
}

type adminFlushResponse struct {
	Flushed []flushedSegment `json:"flushed"`
}

// AdminFlushHandler seals and queues matching active segments. When
// req.Token is empty, every known tenant is flushed.
func AdminFlushHandler(manager *wal.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adminFlushRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}

		hashes := manager.ListTenantHashes()
		if req.Token != "" {
			hashes = []string{wal.HashToken(req.Token)}
		}

		var flushed []flushedSegment
		for _, h := range hashes {
			before, _ := manager.ListSealed(h)
			if err := manager.Flush(h); err != nil {
				continue
			}
			after, _ := manager.ListSealed(h)
			if len(after) > len(before) {
				flushed = append(flushed, flushedSegment{TokenHash: h, Seq: after[len(after)-1].Seq})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(adminFlushResponse{Flushed: flushed})
	}
}

type tenantStatusEntry struct {
	TokenHash        string  `json:"token_hash"`
	SealedSegments   int     `json:"sealed_segments"`
	QuotaBytesUsed   int64   `json:"quota_bytes_used"`
	QuotaRatio       float64 `json:"quota_ratio"`
	OldestAgeSeconds float64 `json:"oldest_segment_age_seconds"`
	ForwarderState   string  `json:"forwarder_state"`
}

type adminStatusResponse struct {
	Tenants []tenantStatusEntry `json:"tenants"`
}

// AdminStatusHandler reports per-tenant byte/age/segment counts and the
// live forwarder state-machine value for each tenant.
func AdminStatusHandler(checker *health.Checker, fw *forwarder.Forwarder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := checker.TenantStatuses()
		out := make([]tenantStatusEntry, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, tenantStatusEntry{
				TokenHash:        s.TokenHash,
				SealedSegments:   s.SealedSegments,
				QuotaBytesUsed:   s.QuotaBytes,
				QuotaRatio:       s.QuotaRatio,
				OldestAgeSeconds: s.OldestAge.Seconds(),
				ForwarderState:   fw.StateFor(s.TokenHash),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(adminStatusResponse{Tenants: out})
	}
}

