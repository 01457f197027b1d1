package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeKnownHashes(t *testing.T) {
	require.Equal(t, "7zzzzzzzzz", Encode(Point{Lat: 0, Lng: 0}, 10))
	require.Equal(t, "9q8yyk8ytp", Encode(Point{Lat: 37.7749, Lng: -122.4194}, 10))
	require.Equal(t, "u4pruydqqv", Encode(Point{Lat: 57.64911, Lng: 10.40744}, 10))
	require.Len(t, Encode(Point{}, 0), DefaultPrecision)
	require.Len(t, Encode(Point{}, 40), MaxPrecision)
}

func TestDistance(t *testing.T) {
	require.InDelta(t, 0, Distance(Point{}, Point{}), 1e-9)
	// 0.02 degrees of longitude at the equator.
	require.InDelta(t, 2.2239, Distance(Point{}, Point{Lat: 0, Lng: 0.02}), 1e-3)
	require.InDelta(t, Distance(Point{Lat: 1, Lng: 2}, Point{Lat: 3, Lng: 4}), Distance(Point{Lat: 3, Lng: 4}, Point{Lat: 1, Lng: 2}), 1e-9)
}

func TestValidate(t *testing.T) {
	require.NoError(t, ValidatePoint(Point{Lat: 90, Lng: -180}))
	require.ErrorIs(t, ValidatePoint(Point{Lat: 91}), ErrInvalidPoint)
	require.ErrorIs(t, ValidatePoint(Point{Lng: 180.5}), ErrInvalidPoint)
	require.ErrorIs(t, ValidatePoint(Point{Lat: math.NaN()}), ErrInvalidPoint)

	require.NoError(t, ValidateRadius(0))
	require.ErrorIs(t, ValidateRadius(-1), ErrInvalidRadius)
	require.ErrorIs(t, ValidateRadius(math.Inf(1)), ErrInvalidRadius)
}

func TestRangeRoundTripAndContains(t *testing.T) {
	r := Range{Start: "7zz", End: "7z~"}
	parsed, err := ParseRange(r.String())
	require.NoError(t, err)
	require.Equal(t, r, parsed)
	require.True(t, r.Contains("7zzzzzzzzz"))
	require.False(t, r.Contains("7zy0000000"))

	for _, bad := range []string{"", "abc", "a:b:c", ":b", "a:"} {
		_, err := ParseRange(bad)
		require.ErrorIs(t, err, ErrInvalidRange, bad)
	}
}

func TestCoveringRangesContainCircle(t *testing.T) {
	cases := []struct {
		center Point
		radius float64
	}{
		{Point{Lat: 0, Lng: 0}, 1000},
		{Point{Lat: 37.7749, Lng: -122.4194}, 5000},
		{Point{Lat: 64.1, Lng: -21.9}, 250},
		{Point{Lat: -33.86, Lng: 179.99}, 20000},
	}
	for _, tc := range cases {
		ranges := CoveringRanges(tc.center, tc.radius)
		require.NotEmpty(t, ranges)
		require.LessOrEqual(t, len(ranges), 9)

		seen := map[string]bool{}
		for _, r := range ranges {
			require.False(t, seen[r.String()], "duplicate range %s", r)
			seen[r.String()] = true
			require.LessOrEqual(t, r.Start, r.End)
		}

		// Sample the circle and make sure every point lands in some range.
		radiusKM := tc.radius / 1000
		for step := 0; step < 64; step++ {
			angle := float64(step) / 64 * 2 * math.Pi
			for _, frac := range []float64{0, 0.5, 0.99} {
				d := radiusKM * frac
				p := Point{
					Lat: tc.center.Lat + d/111.32*math.Sin(angle),
					Lng: wrapLongitude(tc.center.Lng + d/(111.32*math.Cos(toRadians(tc.center.Lat)))*math.Cos(angle)),
				}
				if Distance(tc.center, p) > radiusKM {
					continue
				}
				hash := Encode(p, DefaultPrecision)
				covered := false
				for _, r := range ranges {
					if r.Contains(hash) {
						covered = true
						break
					}
				}
				require.True(t, covered, "point %+v (%s) not covered for center %+v", p, hash, tc.center)
			}
		}
	}
}

func TestCoveringRangesZeroRadius(t *testing.T) {
	ranges := CoveringRanges(Point{Lat: 10, Lng: 10}, 0)
	require.NotEmpty(t, ranges)
	hash := Encode(Point{Lat: 10, Lng: 10}, DefaultPrecision)
	require.True(t, ranges[0].Contains(hash))
}
