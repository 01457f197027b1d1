package geoquery

import (
	"errors"
	"sync/atomic"

	"github.com/example/geoquery/internal/geo"
)

// EventType enumerates the notifications a Query emits.
type EventType string

const (
	EventReady      EventType = "ready"
	EventKeyEntered EventType = "key_entered"
	EventKeyExited  EventType = "key_exited"
	EventKeyMoved   EventType = "key_moved"
)

var eventTypes = [...]EventType{EventReady, EventKeyEntered, EventKeyExited, EventKeyMoved}

var (
	// ErrUnknownEvent is returned by On for an event type outside the enumeration.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrNilCallback is returned by On for a nil callback.
	ErrNilCallback = errors.New("callback must not be nil")
)

// Valid reports whether t is one of the four event types.
func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is delivered to callbacks. Key, Location and DistanceKM are unset for
// ready. A key_exited caused by deletion carries nil Location and DistanceKM.
type Event struct {
	Type       EventType  `json:"type"`
	Key        string     `json:"key,omitempty"`
	Location   *geo.Point `json:"location,omitempty"`
	DistanceKM *float64   `json:"distance_km,omitempty"`
}

// Callback receives query events on the query's control thread.
type Callback func(Event)

// Registration is the handle returned by On.
type Registration struct {
	query    *Query
	event    EventType
	cb       Callback
	canceled atomic.Bool
}

// Cancel removes this callback. It is safe to call more than once and from
// inside a callback; a fan-out already in progress skips it.
func (r *Registration) Cancel() {
	if r == nil || !r.canceled.CompareAndSwap(false, true) {
		return
	}
	r.query.exec.Do(func() {
		r.query.listeners.remove(r)
	})
}

// Event returns the type this registration listens for.
func (r *Registration) Event() EventType { return r.event }

type listenerSet map[EventType][]*Registration

func (s listenerSet) add(r *Registration) {
	s[r.event] = append(s[r.event], r)
}

func (s listenerSet) remove(r *Registration) {
	regs := s[r.event]
	for i, existing := range regs {
		if existing == r {
			s[r.event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// fire invokes every live listener of ev.Type in registration order.
func (q *Query) fire(ev Event) {
	if q.canceled.Load() {
		return
	}
	eventsFired.WithLabelValues(string(ev.Type)).Inc()
	regs := append([]*Registration(nil), q.listeners[ev.Type]...)
	for _, r := range regs {
		if r.canceled.Load() || q.canceled.Load() {
			continue
		}
		r.cb(ev)
	}
}

func keyEvent(t EventType, key string, loc geo.Point, distanceKM float64) Event {
	return Event{Type: t, Key: key, Location: &loc, DistanceKM: &distanceKM}
}
