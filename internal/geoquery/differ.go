package geoquery

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/locstore"
)

// applyRaw handles an add or change delivered by a range subscription.
// A value that does not decode is skipped and the key keeps its last state.
func (q *Query) applyRaw(key string, raw []byte) {
	p, err := locstore.DecodeLocation(raw)
	if err != nil {
		decodeFailures.Inc()
		q.logger.Warn("skipping undecodable location", zap.String("key", key), zap.Error(err))
		return
	}
	q.updateLocation(key, p)
}

// updateLocation records p for key and fires the membership transition.
func (q *Query) updateLocation(key string, p geo.Point) {
	distance := geo.Distance(p, q.area.center)
	inQuery := distance <= q.area.radiusKM

	prev, seen := q.locations.get(key)
	wasInQuery := seen && prev.inQuery
	moved := seen && prev.location != p

	q.locations.upsert(key, &trackedLocation{
		location:   p,
		distanceKM: distance,
		inQuery:    inQuery,
		geohash:    geo.Encode(p, geo.DefaultPrecision),
	})

	switch {
	case inQuery && !wasInQuery:
		q.fire(keyEvent(EventKeyEntered, key, p, distance))
	case inQuery && moved:
		q.fire(keyEvent(EventKeyMoved, key, p, distance))
	case !inQuery && wasInQuery:
		q.fire(keyEvent(EventKeyExited, key, p, distance))
	}
}

// handleRemoval resolves a key leaving one range. The key may have only
// moved to another range, so the stored value is read back before the key
// is dropped. The read runs off the control thread; its result is applied
// against the coverage in place when it completes.
func (q *Query) handleRemoval(key string) {
	if _, ok := q.locations.get(key); !ok {
		return
	}
	ctx := q.ctx
	go func() {
		raw, found, err := q.store.Get(ctx, key)
		q.do(func() {
			if err != nil {
				q.reportError(fmt.Errorf("read %q after removal: %w", key, err))
				return
			}
			q.resolveRemoval(key, raw, found)
		})
	}()
}

func (q *Query) resolveRemoval(key string, raw []byte, found bool) {
	if found {
		p, err := locstore.DecodeLocation(raw)
		if err == nil && q.ranges.covers(geo.Encode(p, geo.DefaultPrecision)) {
			return
		}
		if err != nil {
			decodeFailures.Inc()
		}
	}
	q.removeLocation(key)
}

// removeLocation forgets key and fires key_exited without a location if the
// key was in the query.
func (q *Query) removeLocation(key string) {
	loc, ok := q.locations.remove(key)
	if ok && loc.inQuery {
		q.fire(Event{Type: EventKeyExited, Key: key})
	}
}

// reevaluate re-derives every tracked key's distance and membership against
// the current area.
func (q *Query) reevaluate() {
	for _, key := range q.locations.sortedKeys() {
		loc := q.locations[key]
		wasInQuery := loc.inQuery
		loc.distanceKM = geo.Distance(loc.location, q.area.center)
		loc.inQuery = loc.distanceKM <= q.area.radiusKM

		switch {
		case loc.inQuery && !wasInQuery:
			q.fire(keyEvent(EventKeyEntered, key, loc.location, loc.distanceKM))
		case !loc.inQuery && wasInQuery:
			q.fire(keyEvent(EventKeyExited, key, loc.location, loc.distanceKM))
		}
	}
}
