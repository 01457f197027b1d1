package geo

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPoint is returned for coordinates outside the WGS84 ranges.
var ErrInvalidPoint = errors.New("invalid point")

// ErrInvalidRadius is returned for negative or non-finite radii.
var ErrInvalidRadius = errors.New("invalid radius")

const earthRadiusKM = 6371.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ValidatePoint reports whether p is a usable coordinate.
func ValidatePoint(p Point) error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v must be within [-90, 90]", ErrInvalidPoint, p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v must be within [-180, 180]", ErrInvalidPoint, p.Lng)
	}
	return nil
}

// ValidateRadius accepts any finite, non-negative radius.
func ValidateRadius(radiusKM float64) error {
	if math.IsNaN(radiusKM) || math.IsInf(radiusKM, 0) || radiusKM < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, radiusKM)
	}
	return nil
}

// Distance returns the great-circle distance between a and b in kilometers.
func Distance(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
