package models

import (
	"fmt"
	"math"
	"time"
)

// Protocol tags which wire format a RawFix was decoded from.
type Protocol string

const (
	ProtocolOsmAnd   Protocol = "osmand"
	ProtocolOverland Protocol = "overland"
	ProtocolTraccar  Protocol = "traccar"
)

// RawFix is a normalized but not yet resolved position report. DriverToken is
// handed to the identity resolver as-is.
type RawFix struct {
	Protocol    Protocol
	DriverToken string
	Latitude    float64
	Longitude   float64
	Timestamp   time.Time
	Speed       *float64
	Heading     *float64
	Accuracy    *float64
	Altitude    *float64
}

// Validate checks the identifier and that both coordinates are finite and in range.
func (f *RawFix) Validate() error {
	if f.DriverToken == "" {
		return fmt.Errorf("%w: missing device identifier", ErrInvalidPayload)
	}
	if !finite(f.Latitude) || !finite(f.Longitude) {
		return fmt.Errorf("%w: coordinates must be finite numbers", ErrInvalidPayload)
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90,90]", ErrInvalidPayload, f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180,180]", ErrInvalidPayload, f.Longitude)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
