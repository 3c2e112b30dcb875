// Package geo provides coordinate types, great-circle distance, and the
// Geocoder collaborator used to resolve delivery addresses.
package geo

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrNotFound means the geocoder had no result for the query.
	ErrNotFound = errors.New("location not found")
	// ErrUnavailable means the geocoding service could not be reached.
	ErrUnavailable = errors.New("geocoding service unavailable")
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// earthRadiusKm is the mean Earth radius used for great-circle distance.
const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Geocoder resolves a free-form address or postal code to a coordinate.
type Geocoder interface {
	Lookup(ctx context.Context, query string) (Point, error)
}

// Static is a fixed-table geocoder for tests and local development.
type Static struct {
	Points map[string]Point
}

// Lookup returns the configured point for query, or ErrNotFound.
func (s *Static) Lookup(_ context.Context, query string) (Point, error) {
	if p, ok := s.Points[query]; ok {
		return p, nil
	}
	return Point{}, ErrNotFound
}
