package forwarder

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/logging"
	"github.com/loggate/ingestgw/internal/obsmetrics"
	"github.com/loggate/ingestgw/internal/wal"
)

// state is a tenant's position in the Idle -> Draining -> {Draining,
// Backoff, Parked} -> Idle delivery state machine.
type state int

const (
	stateIdle state = iota
	stateDraining
	stateBackoff
	stateParked
)

func (s state) String() string {
	switch s {
	case stateDraining:
		return "Draining"
	case stateBackoff:
		return "Backoff"
	case stateParked:
		return "Parked"
	default:
		return "Idle"
	}
}

type tenantForward struct {
	mu        sync.Mutex
	state     state
	backoff   *backoff.Backoff
	failCount int
	resumeAt  time.Time
}

// Forwarder drains sealed WAL segments for every known tenant and pushes
// them to the sink, one segment per tenant per round so no single tenant
// can starve the others.
type Forwarder struct {
	wal    *wal.Manager
	client *PushClient
	getCfg func() config.Loki
	metrics *obsmetrics.Metrics

	mu      sync.Mutex
	tenants map[string]*tenantForward

	roundInterval time.Duration
	lastProgress  atomic.Value // time.Time
}

// NewForwarder constructs a Forwarder over manager, pushing through client
// on every round.
func NewForwarder(manager *wal.Manager, client *PushClient, getCfg func() config.Loki, metrics *obsmetrics.Metrics) *Forwarder {
	return &Forwarder{
		wal:           manager,
		client:        client,
		getCfg:        getCfg,
		metrics:       metrics,
		tenants:       make(map[string]*tenantForward),
		roundInterval: 500 * time.Millisecond,
	}
}

// Run drives the scheduler until ctx is cancelled. Each tenant's processing
// is recovered from panics independently so one bad segment cannot bring
// down the whole forwarder.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.roundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.runRound(ctx)
		}
	}
}

func (f *Forwarder) runRound(ctx context.Context) {
	hashes := f.wal.ListTenantHashes()
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hashes {
		hash := h
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logging.FromContext(ctx).Error().
						Str("tenant_hash", hash).
						Interface("panic", r).
						Msg("forwarder: recovered from panic draining tenant")
				}
			}()
			f.processTenant(gctx, hash)
			return nil
		})
	}
	_ = g.Wait()
	f.lastProgress.Store(time.Now())
}

// LastProgressAt reports when the scheduler last completed a full round
// over every known tenant, whether or not any tenant had work to do. The
// readiness composition treats a round that hasn't completed within the
// probe freshness window as a wedged forwarder; a round that completes
// with nothing to push still counts as progress (idle by choice).
func (f *Forwarder) LastProgressAt() time.Time {
	if v := f.lastProgress.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// StateFor reports the current state-machine value for a tenant, for the
// admin status endpoint's forwarder_state field. An unknown tenant (never
// seen by the scheduler) reports Idle.
func (f *Forwarder) StateFor(tenantHash string) string {
	f.mu.Lock()
	tf, ok := f.tenants[tenantHash]
	f.mu.Unlock()
	if !ok {
		return stateIdle.String()
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.state.String()
}

func (f *Forwarder) getOrCreateTenantForward(hash string) *tenantForward {
	f.mu.Lock()
	defer f.mu.Unlock()
	tf, ok := f.tenants[hash]
	if !ok {
		// Min/Max/Factor are overwritten from cfg.BackoffSeconds before
		// every Duration() call in processTenant, since the schedule is
		// hot-reloadable; Jitter stays fixed because the schedule always
		// gets full jitter.
		tf = &tenantForward{backoff: &backoff.Backoff{Jitter: true}}
		f.tenants[hash] = tf
	}
	return tf
}

// applyBackoffSchedule configures tf.backoff's Min/Max/Factor from the
// live config's loki.backoff_seconds (default [5,10,20]), so a hot reload
// of the schedule takes effect on the next transient failure instead of
// being frozen at whatever was configured when the tenant was first seen.
func applyBackoffSchedule(b *backoff.Backoff, schedule []int) {
	min, max := 5*time.Second, 20*time.Second
	if len(schedule) > 0 {
		min = time.Duration(schedule[0]) * time.Second
		max = time.Duration(schedule[len(schedule)-1]) * time.Second
		if max < min {
			max = min
		}
	}
	b.Min = min
	b.Max = max
	b.Factor = 2
}

func (f *Forwarder) processTenant(ctx context.Context, hash string) {
	tf := f.getOrCreateTenantForward(hash)

	tf.mu.Lock()
	if (tf.state == stateBackoff || tf.state == stateParked) && time.Now().Before(tf.resumeAt) {
		tf.mu.Unlock()
		return
	}
	tf.state = stateDraining
	tf.mu.Unlock()

	sealed, err := f.wal.ListSealed(hash)
	if err != nil || len(sealed) == 0 {
		tf.mu.Lock()
		tf.state = stateIdle
		tf.mu.Unlock()
		return
	}
	handle := sealed[0]

	// records holds every record successfully decoded before a corrupt or
	// torn tail, if any; readErr is nil on a clean read, ErrTornTail/
	// ErrBadCRC-derived on a partial one. A segment with zero good records
	// and a read error can't be pushed at all and is dropped outright. A
	// segment with some good records must still have that prefix pushed
	// and confirmed before the file is deleted: a segment may only be
	// removed once the sink has confirmed every record it contained, and
	// that includes records read cleanly ahead of a corrupt remainder.
	records, readErr := f.readSegment(handle)
	if readErr != nil && len(records) == 0 {
		logging.FromContext(ctx).Error().
			Str("tenant_hash", hash).Uint64("seq", handle.Seq).Err(readErr).
			Msg("forwarder: segment unreadable, dropping")
		if f.metrics != nil {
			f.metrics.SegmentsCorruptTotal.Inc()
		}
		_ = f.wal.Delete(handle)
		tf.mu.Lock()
		tf.state = stateIdle
		tf.mu.Unlock()
		return
	}
	if readErr != nil {
		logging.FromContext(ctx).Warn().
			Str("tenant_hash", hash).Uint64("seq", handle.Seq).Err(readErr).
			Int("records_recovered", len(records)).
			Msg("forwarder: segment tail corrupt, pushing recovered prefix before dropping remainder")
	}

	cfg := f.getCfg()
	pushStart := time.Now()
	status, retryAfter, pushErr := f.client.Push(ctx, hash, records)
	if f.metrics != nil {
		f.metrics.ForwarderPushDuration.Observe(time.Since(pushStart).Seconds())
	}

	switch {
	case pushErr == nil:
		// Every record the segment contained (the whole file on a clean
		// read, or the recovered prefix on a corrupt one) is now
		// sink-confirmed, so the file can be removed in full.
		_ = f.wal.Delete(handle)
		tf.mu.Lock()
		tf.state = stateIdle
		tf.failCount = 0
		tf.backoff.Reset()
		tf.mu.Unlock()

	case status == 429 || status/100 == 5 || status == 0:
		// Transient: a retriable sink error or a network-level failure.
		// The segment is left in place for the next round.
		tf.mu.Lock()
		tf.failCount++
		switch {
		case cfg.MaxRetries > 0 && tf.failCount > cfg.MaxRetries:
			// MaxRetries consecutive failures each consume one backoff
			// step; only once the whole schedule has been waited out does
			// the next failure park the tenant.
			tf.state = stateParked
			tf.resumeAt = time.Now().Add(time.Duration(cfg.ParkSeconds) * time.Second)
			tf.failCount = 0
			tf.backoff.Reset()
		case retryAfter > 0:
			// The sink's own Retry-After wins over the backoff schedule.
			tf.state = stateBackoff
			tf.resumeAt = time.Now().Add(retryAfter)
		default:
			tf.state = stateBackoff
			applyBackoffSchedule(tf.backoff, cfg.BackoffSeconds)
			tf.resumeAt = time.Now().Add(tf.backoff.Duration())
		}
		tf.mu.Unlock()
		logging.FromContext(ctx).Warn().
			Str("tenant_hash", hash).Int("status", status).Err(pushErr).
			Msg("forwarder: transient push failure, will retry")

	default:
		// Poison: a non-429 4xx means the sink will never accept this
		// segment (bad labels, schema rejection, ...). Drop it so it
		// doesn't block the tenant's queue forever.
		if f.metrics != nil {
			f.metrics.ForwarderPoisonTotal.WithLabelValues(hash).Inc()
		}
		logging.FromContext(ctx).Error().
			Str("tenant_hash", hash).Int("status", status).Err(pushErr).
			Msg("forwarder: poison segment dropped")
		_ = f.wal.Delete(handle)
		tf.mu.Lock()
		tf.state = stateIdle
		tf.failCount = 0
		tf.backoff.Reset()
		tf.mu.Unlock()
	}
}

func (f *Forwarder) readSegment(handle wal.SegmentHandle) ([]wal.Record, error) {
	it, err := f.wal.OpenReader(handle)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var records []wal.Record
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}
