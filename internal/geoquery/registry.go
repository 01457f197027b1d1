package geoquery

import (
	"fmt"
	"sort"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/locstore"
)

// rangeEntry is one registered geohash range.
type rangeEntry struct {
	active bool
	// failed marks a range whose subscription could not be created. It keeps
	// covering its keys until the next recomputation retries it.
	failed bool
	sub    locstore.Subscription
}

// rangeRegistry holds at most one entry per range key ("start:end").
type rangeRegistry map[string]*rangeEntry

// reconcile marks registered ranges active or inactive against required and
// returns the required ranges that are not registered yet, in input order.
// Failed entries are dropped first so they are retried.
func (r rangeRegistry) reconcile(required []geo.Range) []geo.Range {
	for key, e := range r {
		if e.failed {
			delete(r, key)
		}
	}
	wanted := make(map[string]struct{}, len(required))
	for _, rng := range required {
		wanted[rng.String()] = struct{}{}
	}
	for key, e := range r {
		_, e.active = wanted[key]
	}
	fresh := make([]geo.Range, 0, len(required))
	for _, rng := range required {
		if _, ok := r[rng.String()]; !ok {
			fresh = append(fresh, rng)
		}
	}
	return fresh
}

// covers reports whether any active range contains geohash.
func (r rangeRegistry) covers(geohash string) bool {
	for key, e := range r {
		if !e.active {
			continue
		}
		if mustParseRange(key).Contains(geohash) {
			return true
		}
	}
	return false
}

// removeInactive deletes inactive entries and returns their subscriptions.
func (r rangeRegistry) removeInactive() []locstore.Subscription {
	var subs []locstore.Subscription
	for _, key := range r.keys() {
		e := r[key]
		if e.active {
			continue
		}
		delete(r, key)
		if e.sub != nil {
			subs = append(subs, e.sub)
		}
	}
	return subs
}

// removeAll empties the registry and returns every subscription.
func (r rangeRegistry) removeAll() []locstore.Subscription {
	var subs []locstore.Subscription
	for key, e := range r {
		delete(r, key)
		if e.sub != nil {
			subs = append(subs, e.sub)
		}
	}
	return subs
}

func (r rangeRegistry) keys() []string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// mustParseRange panics on a malformed key: registry keys are only ever
// produced by geo.Range.String, so a bad one means corrupted state.
func mustParseRange(key string) geo.Range {
	rng, err := geo.ParseRange(key)
	if err != nil {
		panic(fmt.Sprintf("geoquery: corrupted range registry: %v", err))
	}
	return rng
}
