package geoquery

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
)

// ErrInvalidCriteria wraps every criteria validation failure.
var ErrInvalidCriteria = errors.New("invalid query criteria")

// Criteria selects the query circle. Both fields are required by New; either
// may be omitted in UpdateCriteria.
type Criteria struct {
	Center   *geo.Point
	RadiusKM *float64
}

// Config tunes a Query. Zero values fall back to defaults.
type Config struct {
	Logger *zap.Logger
	// CleanupThreshold is the number of registered ranges above which a
	// cleanup pass is scheduled after a recomputation.
	CleanupThreshold int
	CleanupDelay     time.Duration
	SweepInterval    time.Duration
	// OnError receives store failures that happen after New returned.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = 25
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = 10 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Millisecond
	}
	return c
}

// validate checks the supplied fields. requireAll is set for New.
func (c Criteria) validate(requireAll bool) error {
	if c.Center == nil && c.RadiusKM == nil {
		return fmt.Errorf("%w: center and/or radius must be specified", ErrInvalidCriteria)
	}
	if requireAll && c.Center == nil {
		return fmt.Errorf("%w: center is required", ErrInvalidCriteria)
	}
	if requireAll && c.RadiusKM == nil {
		return fmt.Errorf("%w: radius is required", ErrInvalidCriteria)
	}
	if c.Center != nil {
		if err := geo.ValidatePoint(*c.Center); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
		}
	}
	if c.RadiusKM != nil {
		if err := geo.ValidateRadius(*c.RadiusKM); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
		}
	}
	return nil
}

// At is shorthand for Criteria with both fields set.
func At(center geo.Point, radiusKM float64) Criteria {
	return Criteria{Center: &center, RadiusKM: &radiusKM}
}

// WithRadius returns Criteria that only changes the radius.
func WithRadius(radiusKM float64) Criteria {
	return Criteria{RadiusKM: &radiusKM}
}

// WithCenter returns Criteria that only moves the center.
func WithCenter(center geo.Point) Criteria {
	return Criteria{Center: &center}
}
