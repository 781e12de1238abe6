package forwarder

import (
	"context"
	"sync/atomic"
	"time"
)

// SinkProber periodically checks the sink's readiness endpoint and records
// the instant of the last success, independent of segment push attempts, so
// the gateway's readiness composition can tell a sink outage apart from
// "no tenant currently has anything sealed to push."
type SinkProber struct {
	client   *PushClient
	interval time.Duration
	timeout  time.Duration

	lastOK atomic.Value // time.Time
}

// NewSinkProber constructs a SinkProber that checks client's /ready every
// interval (default 15s if interval <= 0).
func NewSinkProber(client *PushClient, interval time.Duration) *SinkProber {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SinkProber{client: client, interval: interval, timeout: 5 * time.Second}
}

// LastSuccessAt reports the instant of the most recent successful /ready
// probe. The zero time means no probe has ever succeeded.
func (p *SinkProber) LastSuccessAt() time.Time {
	if v := p.lastOK.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// Run probes the sink immediately and then on every tick until ctx is
// cancelled, following the same ticker-driven background loop shape as
// Forwarder.Run.
func (p *SinkProber) Run(ctx context.Context) {
	p.probeOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *SinkProber) probeOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Ready(reqCtx); err == nil {
		p.lastOK.Store(time.Now())
	}
}
