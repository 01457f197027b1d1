package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	metersPerDegreeLatitude = 110574.0
	earthMeridionalCircum   = 40007860.0
	earthEquatorialRadius   = 6378137.0
	earthEccentricitySq     = 0.00669447819799
	epsilon                 = 1e-12
	maxBitsPrecision        = MaxPrecision * bitsPerChar

	// rangeSeparator joins Start and End in a range key; geohashes never contain it.
	rangeSeparator = ":"
)

// ErrInvalidRange is returned when a range key cannot be parsed.
var ErrInvalidRange = errors.New("invalid geohash range")

// Range is an inclusive lexicographic interval of geohashes.
type Range struct {
	Start string
	End   string
}

// String returns the canonical key of the range.
func (r Range) String() string {
	return r.Start + rangeSeparator + r.End
}

// Contains reports whether geohash lies within [Start, End].
func (r Range) Contains(geohash string) bool {
	return geohash >= r.Start && geohash <= r.End
}

// ParseRange is the inverse of Range.String.
func ParseRange(key string) (Range, error) {
	parts := strings.Split(key, rangeSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, key)
	}
	return Range{Start: parts[0], End: parts[1]}, nil
}

// CoveringRanges returns the deduplicated set of geohash ranges whose union
// contains every point within radiusMeters of center.
func CoveringRanges(center Point, radiusMeters float64) []Range {
	queryBits := boundingBoxBits(center, radiusMeters)
	if queryBits < 1 {
		queryBits = 1
	}
	precision := int(math.Ceil(float64(queryBits) / bitsPerChar))

	seen := make(map[Range]struct{}, 9)
	ranges := make([]Range, 0, 9)
	for _, sample := range boundingBoxSamples(center, radiusMeters) {
		r := prefixRange(Encode(sample, precision), queryBits)
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		ranges = append(ranges, r)
	}
	return ranges
}

// prefixRange returns the range of hashes sharing the first bits of geohash.
func prefixRange(geohash string, bits int) Range {
	precision := int(math.Ceil(float64(bits) / bitsPerChar))
	if len(geohash) < precision {
		return Range{Start: geohash, End: geohash + "~"}
	}
	geohash = geohash[:precision]
	base := geohash[:len(geohash)-1]
	last := strings.IndexByte(base32, geohash[len(geohash)-1])
	significant := bits - len(base)*bitsPerChar
	unused := bitsPerChar - significant
	start := (last >> unused) << unused
	end := start + (1 << unused)
	if end > len(base32)-1 {
		return Range{Start: base + string(base32[start]), End: base + "~"}
	}
	return Range{Start: base + string(base32[start]), End: base + string(base32[end])}
}

func boundingBoxBits(center Point, sizeMeters float64) int {
	latDelta := sizeMeters / metersPerDegreeLatitude
	north := math.Min(90, center.Lat+latDelta)
	south := math.Max(-90, center.Lat-latDelta)
	bitsLat := int(math.Floor(latitudeBitsForResolution(sizeMeters))) * 2
	bitsLngNorth := int(math.Floor(longitudeBitsForResolution(sizeMeters, north)))*2 - 1
	bitsLngSouth := int(math.Floor(longitudeBitsForResolution(sizeMeters, south)))*2 - 1
	return minInt(bitsLat, bitsLngNorth, bitsLngSouth, maxBitsPrecision)
}

func boundingBoxSamples(center Point, radiusMeters float64) []Point {
	latDegrees := radiusMeters / metersPerDegreeLatitude
	north := math.Min(90, center.Lat+latDegrees)
	south := math.Max(-90, center.Lat-latDegrees)
	lngDegrees := math.Max(
		metersToLongitudeDegrees(radiusMeters, north),
		metersToLongitudeDegrees(radiusMeters, south),
	)
	west := wrapLongitude(center.Lng - lngDegrees)
	east := wrapLongitude(center.Lng + lngDegrees)
	return []Point{
		{Lat: center.Lat, Lng: center.Lng},
		{Lat: center.Lat, Lng: west},
		{Lat: center.Lat, Lng: east},
		{Lat: north, Lng: center.Lng},
		{Lat: north, Lng: west},
		{Lat: north, Lng: east},
		{Lat: south, Lng: center.Lng},
		{Lat: south, Lng: west},
		{Lat: south, Lng: east},
	}
}

func metersToLongitudeDegrees(distance, latitude float64) float64 {
	radians := toRadians(latitude)
	num := math.Cos(radians) * earthEquatorialRadius * math.Pi / 180
	denom := 1 / math.Sqrt(1-earthEccentricitySq*math.Sin(radians)*math.Sin(radians))
	deltaDeg := num * denom
	if deltaDeg < epsilon {
		if distance > 0 {
			return 360
		}
		return 0
	}
	return math.Min(360, distance/deltaDeg)
}

func longitudeBitsForResolution(resolution, latitude float64) float64 {
	degs := metersToLongitudeDegrees(resolution, latitude)
	if math.Abs(degs) > 0.000001 {
		return math.Max(1, math.Log2(360/degs))
	}
	return 1
}

func latitudeBitsForResolution(resolution float64) float64 {
	return math.Min(math.Log2(earthMeridionalCircum/2/resolution), maxBitsPrecision)
}

func wrapLongitude(lng float64) float64 {
	if lng <= 180 && lng >= -180 {
		return lng
	}
	adjusted := lng + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}

func minInt(values ...int) int {
	out := values[0]
	for _, v := range values[1:] {
		if v < out {
			out = v
		}
	}
	return out
}
