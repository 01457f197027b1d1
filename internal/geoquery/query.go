// Package geoquery maintains the set of keys whose stored location lies
// inside a circle and reports membership changes as events.
//
// A Query subscribes to the geohash ranges covering its circle, diffs every
// location update it receives against what it has seen, and fires
// key_entered, key_exited and key_moved. ready fires once the initial data
// of every newly subscribed range has been delivered.
//
// All state of a Query is mutated on a single logical control thread (a
// serial.Queue). Callbacks run on that thread; calling back into the Query
// from a callback is allowed and takes effect after the callback returns.
package geoquery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/locstore"
	"github.com/example/geoquery/internal/serial"
)

// Query is a live circular query over a locstore.Store.
type Query struct {
	store  locstore.Store
	cfg    Config
	logger *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
	exec serial.Queue

	criteriaMu sync.RWMutex
	center     geo.Point
	radiusKM   float64

	canceled atomic.Bool

	// Owned by exec. area is the circle the tracked state was last
	// evaluated against; it trails center/radiusKM until the queued
	// re-evaluation runs.
	area             circle
	locations        locationTable
	ranges           rangeRegistry
	listeners        listenerSet
	outstanding      map[string]struct{}
	ready            bool
	cleanupScheduled bool
	cleanupTimer     *time.Timer
}

// New validates criteria, subscribes to the covering ranges and starts the
// background sweep. The query lives until Cancel or until ctx is done.
func New(ctx context.Context, store locstore.Store, criteria Criteria, cfg Config) (*Query, error) {
	if store == nil {
		return nil, errors.New("location store is required")
	}
	if err := criteria.validate(true); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	qctx, stop := context.WithCancel(ctx)
	q := &Query{
		store:       store,
		cfg:         cfg,
		logger:      cfg.Logger.Named("geoquery"),
		ctx:         qctx,
		stop:        stop,
		center:      *criteria.Center,
		radiusKM:    *criteria.RadiusKM,
		area:        circle{center: *criteria.Center, radiusKM: *criteria.RadiusKM},
		locations:   make(locationTable),
		ranges:      make(rangeRegistry),
		listeners:   make(listenerSet),
		outstanding: make(map[string]struct{}),
	}

	var subscribeErr error
	q.exec.Do(func() {
		subscribeErr = q.recomputeCoverage()
	})
	if subscribeErr != nil {
		q.Cancel()
		return nil, subscribeErr
	}

	go q.sweepLoop()
	go func() {
		<-qctx.Done()
		q.Cancel()
	}()
	return q, nil
}

// Center returns the current query center.
func (q *Query) Center() geo.Point {
	q.criteriaMu.RLock()
	defer q.criteriaMu.RUnlock()
	return q.center
}

// Radius returns the current query radius in kilometers.
func (q *Query) Radius() float64 {
	q.criteriaMu.RLock()
	defer q.criteriaMu.RUnlock()
	return q.radiusKM
}

type circle struct {
	center   geo.Point
	radiusKM float64
}

func (q *Query) criteria() circle {
	q.criteriaMu.RLock()
	defer q.criteriaMu.RUnlock()
	return circle{center: q.center, radiusKM: q.radiusKM}
}

// UpdateCriteria moves the center and/or changes the radius. Invalid criteria
// are rejected without changing anything. Tracked keys are re-evaluated
// against the new circle, then coverage is recomputed.
func (q *Query) UpdateCriteria(criteria Criteria) error {
	if err := criteria.validate(false); err != nil {
		return err
	}
	if q.canceled.Load() {
		return nil
	}
	q.criteriaMu.Lock()
	if criteria.Center != nil {
		q.center = *criteria.Center
	}
	if criteria.RadiusKM != nil {
		q.radiusKM = *criteria.RadiusKM
	}
	q.criteriaMu.Unlock()

	q.exec.Do(func() {
		if q.canceled.Load() {
			return
		}
		q.area = q.criteria()
		q.reevaluate()
		if err := q.recomputeCoverage(); err != nil {
			q.reportError(err)
		}
	})
	return nil
}

// On registers cb for event. key_entered callbacks are immediately replayed
// for every key currently in the query; ready callbacks fire immediately if
// the query is already ready.
func (q *Query) On(event EventType, cb Callback) (*Registration, error) {
	if !event.Valid() {
		return nil, ErrUnknownEvent
	}
	if cb == nil {
		return nil, ErrNilCallback
	}
	reg := &Registration{query: q, event: event, cb: cb}
	q.exec.Do(func() {
		if q.canceled.Load() || reg.canceled.Load() {
			return
		}
		q.listeners.add(reg)
		switch event {
		case EventReady:
			if q.ready {
				reg.cb(Event{Type: EventReady})
			}
		case EventKeyEntered:
			for _, key := range q.locations.sortedKeys() {
				loc := q.locations[key]
				if !loc.inQuery {
					continue
				}
				if reg.canceled.Load() || q.canceled.Load() {
					return
				}
				reg.cb(keyEvent(EventKeyEntered, key, loc.location, loc.distanceKM))
			}
		}
	})
	return reg, nil
}

// ErrCanceled is returned by Sync once the query has been canceled.
var ErrCanceled = errors.New("query canceled")

// Sync blocks until all work queued before the call has run, including the
// replays of listeners registered earlier. It must not be called from a
// callback.
func (q *Query) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !q.exec.Push(func() { close(done) }) {
		return ErrCanceled
	}
	q.exec.Drain()
	select {
	case <-done:
		return nil
	case <-q.ctx.Done():
		return ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel terminates the query: callbacks are dropped, every range
// subscription is detached and timers stop. Store callbacks and reads that
// complete afterwards are ignored.
func (q *Query) Cancel() {
	if !q.canceled.CompareAndSwap(false, true) {
		return
	}
	q.stop()
	q.exec.Do(func() {
		q.listeners = make(listenerSet)
		for _, sub := range q.ranges.removeAll() {
			sub.Unsubscribe()
			rangeSubscriptions.Dec()
		}
		q.locations = make(locationTable)
		q.outstanding = make(map[string]struct{})
		q.stopCleanupTimer()
		q.exec.Close()
		q.logger.Debug("query canceled")
	})
}

// do runs fn on the control thread unless the query has been canceled.
func (q *Query) do(fn func()) {
	q.exec.Do(func() {
		if q.canceled.Load() {
			return
		}
		fn()
	})
}

func (q *Query) reportError(err error) {
	if err == nil || q.canceled.Load() {
		return
	}
	q.logger.Error("query store failure", zap.Error(err))
	if q.cfg.OnError != nil {
		q.cfg.OnError(err)
	}
}
