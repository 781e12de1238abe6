package idempotency

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loggate/ingestgw/internal/wal"
)

func TestDo_NoKeyAlwaysRuns(t *testing.T) {
	c := New()
	var calls int32
	fn := func() (wal.Ack, error) {
		atomic.AddInt32(&calls, 1)
		return wal.Ack{Count: 1}, nil
	}
	c.Do("tok", "", fn)
	c.Do("tok", "", fn)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (no idempotency key means no dedup)", calls)
	}
}

func TestDo_SameKeyRunsOnce(t *testing.T) {
	c := New()
	var calls int32
	fn := func() (wal.Ack, error) {
		atomic.AddInt32(&calls, 1)
		return wal.Ack{SegmentSeq: 7, Count: 3}, nil
	}

	ack1, err := c.Do("tok", "req-1", fn)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	ack2, err := c.Do("tok", "req-1", fn)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if ack1 != ack2 {
		t.Errorf("ack1 = %+v, ack2 = %+v, want equal", ack1, ack2)
	}
}

func TestDo_DifferentTokensDoNotCollide(t *testing.T) {
	c := New()
	var calls int32
	fn := func() (wal.Ack, error) {
		atomic.AddInt32(&calls, 1)
		return wal.Ack{}, nil
	}
	c.Do("tokA", "req-1", fn)
	c.Do("tokB", "req-1", fn)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (same key, different tokens)", calls)
	}
}

func TestDo_ConcurrentDuplicatesCollapse(t *testing.T) {
	c := New()
	var calls int32
	var wg sync.WaitGroup
	fn := func() (wal.Ack, error) {
		atomic.AddInt32(&calls, 1)
		return wal.Ack{Count: 1}, nil
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Do("tok", "concurrent-req", fn)
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (singleflight plus the in-flight cache re-check)", calls)
	}
}
