// Package locstore stores keyed point locations in an ordered key-value
// backend and streams changes over geohash ranges.
package locstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/geoquery/internal/geo"
)

// ErrInvalidValue is returned when a stored payload cannot be decoded.
var ErrInvalidValue = errors.New("invalid location value")

// Handlers receives notifications for one range subscription. Nil handlers
// are skipped.
type Handlers struct {
	OnAdd      func(key string, raw []byte)
	OnChange   func(key string, raw []byte)
	OnRemove   func(key string)
	OnCaughtUp func()
}

// Subscription is a live range listener.
type Subscription interface {
	Unsubscribe()
}

// Store is the read side consumed by geo queries.
//
// SubscribeRange delivers OnAdd for every entry whose geohash lies in
// [start, end], then OnCaughtUp exactly once, then incremental changes.
// Get is a one-shot read of the current payload for key.
type Store interface {
	SubscribeRange(ctx context.Context, start, end string, h Handlers) (Subscription, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Writer is the write side.
type Writer interface {
	Set(ctx context.Context, key string, p geo.Point) error
	Remove(ctx context.Context, key string) error
}

type record struct {
	Geohash  string    `json:"g"`
	Location []float64 `json:"l"`
}

// EncodeLocation returns the stored payload for p along with its geohash.
func EncodeLocation(p geo.Point) ([]byte, string, error) {
	if err := geo.ValidatePoint(p); err != nil {
		return nil, "", err
	}
	hash := geo.Encode(p, geo.DefaultPrecision)
	raw, err := json.Marshal(record{Geohash: hash, Location: []float64{p.Lat, p.Lng}})
	if err != nil {
		return nil, "", fmt.Errorf("marshal location: %w", err)
	}
	return raw, hash, nil
}

// DecodeLocation parses a stored payload.
func DecodeLocation(raw []byte) (geo.Point, error) {
	rec, err := decodeRecord(raw)
	if err != nil {
		return geo.Point{}, err
	}
	return geo.Point{Lat: rec.Location[0], Lng: rec.Location[1]}, nil
}

func decodeRecord(raw []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(rec.Location) != 2 {
		return record{}, fmt.Errorf("%w: location must have 2 elements, got %d", ErrInvalidValue, len(rec.Location))
	}
	if err := geo.ValidatePoint(geo.Point{Lat: rec.Location[0], Lng: rec.Location[1]}); err != nil {
		return record{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return rec, nil
}
