package geoquery

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/locstore"
)

// recomputeCoverage subscribes to every covering range of the current area
// that is not registered yet and flags the rest inactive. It resets the
// ready state; ready fires again once every outstanding range caught up.
// The first subscribe failure is returned after all ranges were attempted.
func (q *Query) recomputeCoverage() error {
	required := dedupeRanges(geo.CoveringRanges(q.area.center, q.area.radiusKM*1000))
	fresh := q.ranges.reconcile(required)

	// Ranges still catching up from an earlier pass keep blocking ready as
	// long as they stay active.
	outstanding := make(map[string]struct{}, len(fresh))
	for key := range q.outstanding {
		if e, ok := q.ranges[key]; ok && e.active {
			outstanding[key] = struct{}{}
		}
	}

	var firstErr error
	for _, rng := range fresh {
		key := rng.String()
		entry := &rangeEntry{active: true}
		q.ranges[key] = entry
		outstanding[key] = struct{}{}

		sub, err := q.store.SubscribeRange(q.ctx, rng.Start, rng.End, q.handlersFor(key, entry))
		if err != nil {
			entry.failed = true
			q.logger.Warn("range subscription failed", zap.String("range", key), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("subscribe range %s: %w", key, err)
			}
			continue
		}
		entry.sub = sub
		rangeSubscriptions.Inc()
	}

	q.outstanding = outstanding
	q.ready = false

	if len(q.ranges) > q.cfg.CleanupThreshold && !q.cleanupScheduled {
		q.scheduleCleanup()
	}
	q.logger.Debug("coverage recomputed",
		zap.Int("required", len(required)),
		zap.Int("new", len(fresh)),
		zap.Int("registered", len(q.ranges)),
	)

	if len(q.outstanding) == 0 {
		q.markReady()
	}
	return firstErr
}

// handlersFor routes store callbacks for one range onto the control thread.
// Callbacks from an entry that has since been replaced or removed are dropped.
func (q *Query) handlersFor(rangeKey string, entry *rangeEntry) locstore.Handlers {
	current := func() bool { return q.ranges[rangeKey] == entry }
	update := func(key string, raw []byte) {
		q.do(func() {
			if current() {
				q.applyRaw(key, raw)
			}
		})
	}
	return locstore.Handlers{
		OnAdd:    update,
		OnChange: update,
		OnRemove: func(key string) {
			q.do(func() {
				if current() {
					q.handleRemoval(key)
				}
			})
		},
		OnCaughtUp: func() {
			q.do(func() {
				if current() {
					q.rangeCaughtUp(rangeKey)
				}
			})
		},
	}
}

func (q *Query) rangeCaughtUp(rangeKey string) {
	if _, ok := q.outstanding[rangeKey]; !ok {
		return
	}
	delete(q.outstanding, rangeKey)
	if len(q.outstanding) == 0 && !q.ready {
		q.markReady()
	}
}

func (q *Query) markReady() {
	q.ready = true
	q.fire(Event{Type: EventReady})
}

func (q *Query) scheduleCleanup() {
	q.cleanupScheduled = true
	q.cleanupTimer = time.AfterFunc(q.cfg.CleanupDelay, func() {
		q.do(q.cleanup)
	})
}

func (q *Query) stopCleanupTimer() {
	if q.cleanupTimer != nil {
		q.cleanupTimer.Stop()
		q.cleanupTimer = nil
	}
	q.cleanupScheduled = false
}

// cleanup detaches inactive ranges and forgets keys no active range covers.
// It is safe to run from the timer and the sweep alike.
func (q *Query) cleanup() {
	subs := q.ranges.removeInactive()
	for _, sub := range subs {
		sub.Unsubscribe()
		rangeSubscriptions.Dec()
	}
	if len(subs) > 0 {
		cleanupPasses.Inc()
		q.logger.Debug("inactive ranges removed", zap.Int("count", len(subs)))
	}
	q.evictUncovered()
	q.stopCleanupTimer()
}

func (q *Query) evictUncovered() {
	for _, key := range q.locations.sortedKeys() {
		loc := q.locations[key]
		if q.ranges.covers(loc.geohash) {
			continue
		}
		if loc.inQuery {
			// In-query keys lie inside the area and the area is always covered.
			q.logger.DPanic("in-query key outside every active range",
				zap.String("key", key), zap.String("geohash", loc.geohash))
			continue
		}
		q.locations.remove(key)
	}
}

func (q *Query) sweepLoop() {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.do(func() {
				if !q.cleanupScheduled {
					q.cleanup()
				}
			})
		}
	}
}

func dedupeRanges(ranges []geo.Range) []geo.Range {
	seen := make(map[string]struct{}, len(ranges))
	out := ranges[:0:0]
	for _, rng := range ranges {
		key := rng.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rng)
	}
	return out
}
