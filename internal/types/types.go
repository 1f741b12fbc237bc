// README: Common value objects shared by the location modules.
package types

import (
	"fmt"
	"math"
	"time"
)

type ID string

type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Sample is a single position report as captured by a participant device.
type Sample struct {
	Lat            float64   `json:"latitude" cbor:"1,keyasint"`
	Lng            float64   `json:"longitude" cbor:"2,keyasint"`
	AccuracyMeters float64   `json:"accuracy_meters" cbor:"3,keyasint"`
	CapturedAt     time.Time `json:"captured_at" cbor:"4,keyasint"`
}

func (s Sample) Point() Point {
	return Point{Lat: s.Lat, Lng: s.Lng}
}

// Validate checks coordinate ranges and accuracy. Errors wrap ErrValidation
// and never echo the rejected coordinates back.
func (s Sample) Validate() error {
	if err := s.Point().Validate(); err != nil {
		return err
	}
	if math.IsNaN(s.AccuracyMeters) || math.IsInf(s.AccuracyMeters, 0) || s.AccuracyMeters < 0 {
		return fmt.Errorf("%w: accuracy must be a finite non-negative number", ErrValidation)
	}
	return nil
}

func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrValidation)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrValidation)
	}
	return nil
}
