package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"waypoint/internal/types"
)

var ErrNoResults = fmt.Errorf("geocoding: %w", types.ErrNotFound)

// Geocoder resolves task site addresses through the Google Geocoding API.
type Geocoder struct {
	client *maps.Client
	region string
}

// NewGeocoder creates a Geocoder. Extra client options are passed through,
// e.g. maps.WithBaseURL in tests.
func NewGeocoder(apiKey, region string, opts ...maps.ClientOption) (*Geocoder, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Geocoder{client: client, region: region}, nil
}

// Geocode returns the location of the best match for address.
func (g *Geocoder) Geocode(ctx context.Context, address string) (types.Point, error) {
	if address == "" {
		return types.Point{}, errors.New("geocoding: empty address")
	}
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		Address: address,
		Region:  g.region,
	})
	if err != nil {
		return types.Point{}, fmt.Errorf("%w: geocoding api error: %w", types.ErrUnavailable, err)
	}
	if len(results) == 0 {
		return types.Point{}, ErrNoResults
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}
