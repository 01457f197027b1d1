package geo

import geohash "github.com/TomiHiltunen/geohash-golang"

const (
	base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

	// DefaultPrecision is the geohash length used for stored locations.
	DefaultPrecision = 10
	// MaxPrecision bounds Encode; 22 characters is below float64 resolution anyway.
	MaxPrecision = 22

	bitsPerChar = 5
)

// Encode converts p to a geohash of the given length. Precision outside
// [1, MaxPrecision] falls back to DefaultPrecision or MaxPrecision.
func Encode(p Point, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
}
