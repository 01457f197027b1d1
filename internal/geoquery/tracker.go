package geoquery

import (
	"sort"

	"github.com/example/geoquery/internal/geo"
)

// trackedLocation is the last observed state of a key.
// inQuery always equals distanceKM <= the current radius.
type trackedLocation struct {
	location   geo.Point
	distanceKM float64
	inQuery    bool
	geohash    string
}

// locationTable maps keys to their tracked state. It is only touched on the
// query's control thread.
type locationTable map[string]*trackedLocation

func (t locationTable) get(key string) (*trackedLocation, bool) {
	loc, ok := t[key]
	return loc, ok
}

func (t locationTable) upsert(key string, loc *trackedLocation) {
	t[key] = loc
}

func (t locationTable) remove(key string) (*trackedLocation, bool) {
	loc, ok := t[key]
	if ok {
		delete(t, key)
	}
	return loc, ok
}

// sortedKeys gives replays and criteria re-evaluation a stable order.
func (t locationTable) sortedKeys() []string {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
