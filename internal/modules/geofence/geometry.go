package geofence

import (
	"fmt"
	"math"

	"waypoint/internal/modules/location"
	"waypoint/internal/types"
)

func (g Geometry) Validate() error {
	switch g.Shape {
	case ShapeCircle:
		if err := g.Center.Validate(); err != nil {
			return err
		}
		if !(g.RadiusMeters > 0) || math.IsInf(g.RadiusMeters, 0) {
			return fmt.Errorf("%w: circle radius must be positive", types.ErrValidation)
		}
	case ShapePolygon:
		if len(g.Vertices) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices", types.ErrValidation)
		}
		for _, v := range g.Vertices {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown geometry shape %q", types.ErrValidation, g.Shape)
	}
	return nil
}

// Contains reports whether p lies in the geometry. Circle boundaries count as
// inside.
func (g Geometry) Contains(p types.Point) bool {
	switch g.Shape {
	case ShapeCircle:
		return location.DistanceMeters(g.Center, p) <= g.RadiusMeters
	case ShapePolygon:
		return inPolygon(g.Vertices, p)
	}
	return false
}

func inPolygon(vs []types.Point, p types.Point) bool {
	if !inBounds(vs, p) {
		return false
	}
	inside := false
	for i, j := 0, len(vs)-1; i < len(vs); j, i = i, i+1 {
		a, b := vs[i], vs[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) &&
			p.Lng < (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat)+a.Lng {
			inside = !inside
		}
	}
	return inside
}

func inBounds(vs []types.Point, p types.Point) bool {
	minLat, maxLat := vs[0].Lat, vs[0].Lat
	minLng, maxLng := vs[0].Lng, vs[0].Lng
	for _, v := range vs[1:] {
		minLat, maxLat = min(minLat, v.Lat), max(maxLat, v.Lat)
		minLng, maxLng = min(minLng, v.Lng), max(maxLng, v.Lng)
	}
	return p.Lat >= minLat && p.Lat <= maxLat && p.Lng >= minLng && p.Lng <= maxLng
}
