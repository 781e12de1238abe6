package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/gwerrors"
	"github.com/loggate/ingestgw/internal/obsmetrics"
)

// activeSegment is the one segment per tenant currently accepting writes.
type activeSegment struct {
	file        *os.File
	bw          *bufio.Writer
	seq         uint64
	path        string
	size        int64
	frameCount  int64
	createdAt   time.Time
	lastWriteAt time.Time
}

// tenantState holds one tenant's WAL bookkeeping. writeMu enforces the
// single-writer-per-tenant discipline: every Append, Seal, and
// quota-eviction for a tenant runs under it.
type tenantState struct {
	hash    uint64
	dir     string
	writeMu sync.Mutex

	stateMu sync.Mutex
	seq     uint64
	active  *activeSegment
	sealed  []SegmentHandle

	sealCh chan struct{}
}

// Manager is the per-tenant write-ahead log. It is keyed throughout by
// the tenant's safe hash (HashToken), never the raw bearer token, so that a
// directory listing alone never discloses a credential.
type Manager struct {
	root          string
	getCfg        func() config.WAL
	metrics       *obsmetrics.Metrics
	diskFreeRatio func() (float64, error)

	mu      sync.RWMutex
	tenants map[uint64]*tenantState

	recoverOK atomic.Bool
}

// NewManager constructs a Manager rooted at root. diskFreeRatio reports the
// fraction of the WAL filesystem currently free and may be nil, in which
// case the global hard-quota check is skipped.
func NewManager(root string, getCfg func() config.WAL, metrics *obsmetrics.Metrics, diskFreeRatio func() (float64, error)) *Manager {
	return &Manager{
		root:          root,
		getCfg:        getCfg,
		metrics:       metrics,
		diskFreeRatio: diskFreeRatio,
		tenants:       make(map[uint64]*tenantState),
	}
}

// HashToken returns the token's safe name: a hex-encoded xxhash digest, used
// everywhere outside the admission path (metrics labels, directory names,
// admin status, forwarder scheduling) so the raw token never needs to leave
// the process that authenticated it.
func HashToken(token string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(token))
}

func (m *Manager) tenantDir(hash uint64) string {
	return filepath.Join(m.root, fmt.Sprintf("%016x", hash))
}

func (m *Manager) getOrCreateTenantByHash(hash uint64) (*tenantState, error) {
	m.mu.RLock()
	ts, ok := m.tenants[hash]
	m.mu.RUnlock()
	if ok {
		return ts, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.tenants[hash]; ok {
		return ts, nil
	}
	dir := m.tenantDir(hash)
	if err := ensureDir(dir); err != nil {
		return nil, gwerrors.New(gwerrors.Internal, "create tenant wal dir: "+err.Error())
	}
	ts = &tenantState{hash: hash, dir: dir, sealCh: make(chan struct{}, 1)}
	m.tenants[hash] = ts
	return ts, nil
}

func (m *Manager) getOrCreateTenant(token string) (*tenantState, error) {
	return m.getOrCreateTenantByHash(xxhash.Sum64String(token))
}

func parseTenantHash(hashHex string) (uint64, error) {
	hash, err := strconv.ParseUint(hashHex, 16, 64)
	if err != nil {
		return 0, gwerrors.New(gwerrors.SchemaInvalid, "invalid tenant hash")
	}
	return hash, nil
}

// Append durably writes records to token's active segment, rotating and
// enforcing quota as needed. It returns once the underlying file has been
// fsynced; the caller must not acknowledge the batch before then.
func (m *Manager) Append(token string, records []Record) (Ack, error) {
	ts, err := m.getOrCreateTenant(token)
	if err != nil {
		return Ack{}, err
	}

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	cfg := m.getCfg()

	payloads := make([][]byte, len(records))
	var writeSize int64
	for i, r := range records {
		payload, err := r.encode()
		if err != nil {
			return Ack{}, gwerrors.New(gwerrors.Internal, "encode record: "+err.Error())
		}
		payloads[i] = payload
		writeSize += int64(8 + len(payload))
	}

	if err := m.enforceQuota(ts, cfg, writeSize); err != nil {
		return Ack{}, err
	}

	// A write that would push the open active segment past the size limit
	// rotates first. A single batch larger than the limit still goes whole
	// into a fresh segment, which then exceeds the limit until it is sealed.
	if ts.active != nil && ts.active.size+writeSize > segmentLimit(cfg) {
		if err := m.sealActive(ts, ReasonSizeLimit); err != nil {
			return Ack{}, err
		}
	}
	if ts.active == nil {
		if err := m.openNewSegment(ts); err != nil {
			return Ack{}, err
		}
	}

	start := time.Now()
	firstOffset := ts.active.frameCount
	for _, payload := range payloads {
		n, err := writeFrame(ts.active.bw, payload)
		if err != nil {
			return Ack{}, gwerrors.New(gwerrors.Internal, "write frame: "+err.Error())
		}
		ts.active.size += int64(n)
		ts.active.frameCount++
	}
	if err := ts.active.bw.Flush(); err != nil {
		return Ack{}, gwerrors.New(gwerrors.Internal, "flush segment: "+err.Error())
	}
	if err := ts.active.file.Sync(); err != nil {
		return Ack{}, gwerrors.New(gwerrors.Internal, "fsync segment: "+err.Error())
	}
	ts.active.lastWriteAt = time.Now()

	tokenLabel := fmt.Sprintf("%016x", ts.hash)
	if m.metrics != nil {
		m.metrics.WALAppendDuration.Observe(time.Since(start).Seconds())
		m.metrics.LogsIngestedTotal.WithLabelValues(tokenLabel).Add(float64(len(records)))
		if qs, qerr := m.quotaStateLocked(ts, cfg); qerr == nil {
			m.metrics.DiskUsageBytes.WithLabelValues(tokenLabel).Set(float64(qs.Bytes))
		}
	}

	ack := Ack{SegmentSeq: ts.active.seq, FirstOffset: firstOffset, Count: len(records)}

	if rotate, reason := decideRotation(cfg, ts.active.size, time.Since(ts.active.createdAt), time.Since(ts.active.lastWriteAt)); rotate {
		if err := m.sealActive(ts, reason); err != nil {
			return ack, err
		}
	}
	return ack, nil
}

func (m *Manager) openNewSegment(ts *tenantState) error {
	ts.seq++
	path := filepath.Join(ts.dir, segmentFileName(ts.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return gwerrors.New(gwerrors.Internal, "create segment: "+err.Error())
	}
	now := time.Now()
	if err := writeHeader(f, segmentHeader{TokenHash: ts.hash, CreatedUnixMs: uint64(now.UnixMilli())}); err != nil {
		f.Close()
		return gwerrors.New(gwerrors.Internal, "write segment header: "+err.Error())
	}
	ts.active = &activeSegment{
		file: f, bw: bufio.NewWriter(f), seq: ts.seq, path: path,
		size: headerSize, createdAt: now, lastWriteAt: now,
	}
	if m.metrics != nil {
		m.metrics.SegmentsActive.WithLabelValues(fmt.Sprintf("%016x", ts.hash)).Set(1)
	}
	return nil
}

// sealActive writes the trailer, closes the active segment, and publishes
// it to the sealed list. Callers must hold ts.writeMu.
func (m *Manager) sealActive(ts *tenantState, reason RotationReason) error {
	if ts.active == nil {
		return nil
	}
	a := ts.active
	if err := writeTrailer(a.bw); err != nil {
		return gwerrors.New(gwerrors.Internal, "write trailer: "+err.Error())
	}
	if err := a.bw.Flush(); err != nil {
		return gwerrors.New(gwerrors.Internal, "flush trailer: "+err.Error())
	}
	if err := a.file.Sync(); err != nil {
		return gwerrors.New(gwerrors.Internal, "fsync trailer: "+err.Error())
	}
	if err := a.file.Close(); err != nil {
		return gwerrors.New(gwerrors.Internal, "close segment: "+err.Error())
	}

	tokenLabel := fmt.Sprintf("%016x", ts.hash)
	handle := SegmentHandle{Token: tokenLabel, Seq: a.seq, Path: a.path, CreatedAt: a.createdAt}
	ts.stateMu.Lock()
	ts.sealed = append(ts.sealed, handle)
	ts.stateMu.Unlock()

	if m.metrics != nil {
		m.metrics.SegmentsCreatedTotal.WithLabelValues(tokenLabel, string(reason)).Inc()
		m.metrics.SegmentSizeBytes.Observe(float64(a.size))
		m.metrics.SegmentsActive.WithLabelValues(tokenLabel).Set(0)
	}
	ts.active = nil

	select {
	case ts.sealCh <- struct{}{}:
	default:
	}
	return nil
}

// quotaStateLocked computes a tenant's current usage. Callers must hold
// ts.writeMu or otherwise know no concurrent mutation is in flight; it
// internally takes ts.stateMu only to read the sealed slice and active
// pointer consistently.
func (m *Manager) quotaStateLocked(ts *tenantState, cfg config.WAL) (QuotaState, error) {
	ts.stateMu.Lock()
	sealed := make([]SegmentHandle, len(ts.sealed))
	copy(sealed, ts.sealed)
	active := ts.active
	ts.stateMu.Unlock()

	var bytes int64
	oldest := time.Now()
	haveOldest := false
	for _, h := range sealed {
		if fi, err := os.Stat(h.Path); err == nil {
			bytes += fi.Size()
		}
		if !haveOldest || h.CreatedAt.Before(oldest) {
			oldest = h.CreatedAt
			haveOldest = true
		}
	}
	if active != nil {
		bytes += active.size
		if !haveOldest || active.createdAt.Before(oldest) {
			oldest = active.createdAt
			haveOldest = true
		}
	}

	var age time.Duration
	if haveOldest {
		age = time.Since(oldest)
	}
	var ratio float64
	if cfg.TokenWALQuotaBytes > 0 {
		ratio = float64(bytes) / float64(cfg.TokenWALQuotaBytes)
	}
	return QuotaState{Bytes: bytes, Age: age, Ratio: ratio}, nil
}

// enforceQuota evicts oldest sealed segments to relieve a tenant at or
// above 100% of its quota, rejects with QUOTA_SOFT when the post-write
// bytes would cross 80% of quota, and rejects with QUOTA_HARD when the
// filesystem itself is low on space. writeSize is the framed size of the
// append being admitted. Callers must hold ts.writeMu.
func (m *Manager) enforceQuota(ts *tenantState, cfg config.WAL, writeSize int64) error {
	if m.diskFreeRatio != nil {
		if ratio, err := m.diskFreeRatio(); err == nil {
			if m.metrics != nil {
				m.metrics.DiskFreeRatio.Set(ratio)
			}
			if cfg.DiskFreeMinRatio > 0 && ratio < cfg.DiskFreeMinRatio {
				return gwerrors.New(gwerrors.QuotaHard, "disk free ratio below configured minimum")
			}
		}
	}

	qs, err := m.quotaStateLocked(ts, cfg)
	if err != nil {
		return err
	}
	if cfg.TokenWALQuotaAgeHours > 0 && qs.Age > cfg.TokenWALQuotaAge() {
		m.evictOldest(ts)
		qs, err = m.quotaStateLocked(ts, cfg)
		if err != nil {
			return err
		}
	}

	quota := cfg.TokenWALQuotaBytes
	if quota <= 0 {
		return nil
	}
	if qs.Bytes >= quota {
		evicted := 0
		for qs.Bytes >= quota {
			if m.evictOldest(ts) == 0 {
				break
			}
			evicted++
			qs, err = m.quotaStateLocked(ts, cfg)
			if err != nil {
				return err
			}
		}
		if evicted > 0 && m.metrics != nil {
			m.metrics.QuotaEvictedTotal.WithLabelValues(fmt.Sprintf("%016x", ts.hash)).Add(float64(evicted))
		}
		if qs.Bytes >= quota {
			return gwerrors.New(gwerrors.QuotaHard, "tenant wal quota exceeded even after eviction")
		}
		return nil
	}
	if float64(qs.Bytes+writeSize) > 0.8*float64(quota) {
		return gwerrors.New(gwerrors.QuotaSoft, "tenant wal usage would cross 80% of quota")
	}
	return nil
}

// evictOldest deletes the oldest sealed segment, returning 1 if one was
// removed or 0 if there was nothing left to evict.
func (m *Manager) evictOldest(ts *tenantState) int {
	ts.stateMu.Lock()
	if len(ts.sealed) == 0 {
		ts.stateMu.Unlock()
		return 0
	}
	oldest := ts.sealed[0]
	ts.sealed = ts.sealed[1:]
	ts.stateMu.Unlock()

	if err := os.Remove(oldest.Path); err != nil && !os.IsNotExist(err) {
		return 0
	}
	return 1
}

// QuotaStateByHash reports usage for the tenant identified by its safe hash.
func (m *Manager) QuotaStateByHash(tenantHash string) (QuotaState, error) {
	hash, err := parseTenantHash(tenantHash)
	if err != nil {
		return QuotaState{}, err
	}
	ts, err := m.getOrCreateTenantByHash(hash)
	if err != nil {
		return QuotaState{}, err
	}
	return m.quotaStateLocked(ts, m.getCfg())
}

// ListSealed returns the tenant's currently sealed, unforwarded segments in
// creation order.
func (m *Manager) ListSealed(tenantHash string) ([]SegmentHandle, error) {
	hash, err := parseTenantHash(tenantHash)
	if err != nil {
		return nil, err
	}
	ts, err := m.getOrCreateTenantByHash(hash)
	if err != nil {
		return nil, err
	}
	ts.stateMu.Lock()
	defer ts.stateMu.Unlock()
	out := make([]SegmentHandle, len(ts.sealed))
	copy(out, ts.sealed)
	return out, nil
}

// ListTenantHashes returns every tenant hash the manager currently knows
// about, whether from live traffic or from a prior Recover.
func (m *Manager) ListTenantHashes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for h := range m.tenants {
		out = append(out, fmt.Sprintf("%016x", h))
	}
	return out
}

// RecoverOK reports whether the most recent Recover call completed without
// error, feeding the readiness checker's WAL probe. A manager that has
// never called Recover reports false.
func (m *Manager) RecoverOK() bool {
	return m.recoverOK.Load()
}

// Writable reports whether the WAL root is currently writable, by actually
// creating and removing a throwaway file rather than just stat-ing the
// directory, so a read-only remount or permission change is caught the same
// way a real Append would hit it.
func (m *Manager) Writable() bool {
	f, err := os.CreateTemp(m.root, ".writable-check-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// SealCh returns the channel the tenant's segments are signaled on as they
// are sealed. The forwarder does not read it; it polls on its own ticker.
func (m *Manager) SealCh(tenantHash string) (<-chan struct{}, error) {
	hash, err := parseTenantHash(tenantHash)
	if err != nil {
		return nil, err
	}
	ts, err := m.getOrCreateTenantByHash(hash)
	if err != nil {
		return nil, err
	}
	return ts.sealCh, nil
}

// Delete removes a forwarded segment from disk and from the tenant's sealed
// list, and counts it as forwarded.
func (m *Manager) Delete(handle SegmentHandle) error {
	if err := os.Remove(handle.Path); err != nil && !os.IsNotExist(err) {
		return gwerrors.New(gwerrors.Internal, "delete segment: "+err.Error())
	}
	hash, err := parseTenantHash(handle.Token)
	if err == nil {
		m.mu.RLock()
		ts, ok := m.tenants[hash]
		m.mu.RUnlock()
		if ok {
			ts.stateMu.Lock()
			for i, h := range ts.sealed {
				if h.Seq == handle.Seq {
					ts.sealed = append(ts.sealed[:i], ts.sealed[i+1:]...)
					break
				}
			}
			ts.stateMu.Unlock()
		}
	}
	if m.metrics != nil {
		m.metrics.SegmentsForwardedTotal.WithLabelValues(handle.Token).Inc()
		if hash, herr := parseTenantHash(handle.Token); herr == nil {
			m.mu.RLock()
			ts, ok := m.tenants[hash]
			m.mu.RUnlock()
			if ok {
				if qs, qerr := m.quotaStateLocked(ts, m.getCfg()); qerr == nil {
					m.metrics.DiskUsageBytes.WithLabelValues(handle.Token).Set(float64(qs.Bytes))
				}
			}
		}
	}
	return nil
}

// Flush forces a tenant's active segment to seal immediately, for the
// admin flush endpoint.
func (m *Manager) Flush(tenantHash string) error {
	hash, err := parseTenantHash(tenantHash)
	if err != nil {
		return err
	}
	m.mu.RLock()
	ts, ok := m.tenants[hash]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	return m.sealActive(ts, ReasonAdminFlush)
}

// Sweep checks every known tenant's active segment against the idle and
// force rotation thresholds, independently of Append. Intended to run on a
// periodic timer so a tenant that stops sending logs still gets its segment
// sealed and handed to the forwarder.
func (m *Manager) Sweep() {
	cfg := m.getCfg()
	m.mu.RLock()
	all := make([]*tenantState, 0, len(m.tenants))
	for _, ts := range m.tenants {
		all = append(all, ts)
	}
	m.mu.RUnlock()

	if m.metrics != nil && m.diskFreeRatio != nil {
		if ratio, err := m.diskFreeRatio(); err == nil {
			m.metrics.DiskFreeRatio.Set(ratio)
		}
	}

	for _, ts := range all {
		ts.writeMu.Lock()
		if ts.active != nil {
			if rotate, reason := decideRotation(cfg, ts.active.size, time.Since(ts.active.createdAt), time.Since(ts.active.lastWriteAt)); rotate {
				_ = m.sealActive(ts, reason)
			}
		}
		if m.metrics != nil {
			if qs, err := m.quotaStateLocked(ts, cfg); err == nil {
				m.metrics.DiskUsageBytes.WithLabelValues(fmt.Sprintf("%016x", ts.hash)).Set(float64(qs.Bytes))
			}
		}
		ts.writeMu.Unlock()
	}
}

func segmentFileName(seq uint64) string {
	return fmt.Sprintf("segment_%010d.wal", seq)
}
