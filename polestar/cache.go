package polestar

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// telemetryCache holds at most one snapshot, for one VIN. Concurrent misses for
// the same VIN share a single fetch.
type telemetryCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu         sync.Mutex
	snapshot   *TelemetrySnapshot
	generation uint64

	group singleflight.Group
}

func newTelemetryCache(clock clockwork.Clock, ttl time.Duration) *telemetryCache {
	return &telemetryCache{clock: clock, ttl: ttl}
}

type fetchFunc func(ctx context.Context, vin string) (*Telemetry, error)

// get returns the snapshot for vin, calling fetch when the slot is empty, holds
// another VIN, or has aged past the TTL. hit reports whether fetch was skipped.
func (c *telemetryCache) get(
	ctx context.Context,
	vin string,
	fetch fetchFunc,
) (snap *TelemetrySnapshot, hit bool, err error) {
	c.mu.Lock()
	if s := c.snapshot; s != nil && s.VIN == vin && c.clock.Since(s.FetchedAt) < c.ttl {
		c.mu.Unlock()
		return s, true, nil
	}
	gen := c.generation
	c.mu.Unlock()

	key := vin + "/" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(key, func() (any, error) {
		payload, err := fetch(ctx, vin)
		if err != nil {
			return nil, err
		}
		s := &TelemetrySnapshot{VIN: vin, Payload: payload, FetchedAt: c.clock.Now()}

		c.mu.Lock()
		// An invalidation while the fetch was in flight means the result
		// belongs to a selection that is gone.
		if c.generation == gen {
			c.snapshot = s
		}
		c.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*TelemetrySnapshot), false, nil
	}
}

// invalidate drops the snapshot and orphans in-flight fetches.
func (c *telemetryCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.snapshot = nil
}
