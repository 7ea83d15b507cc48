package geo

import (
	"errors"
	"fmt"
	"math"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371000.0

var (
	// ErrInvalidLatitude indicates a latitude outside [-90, 90] or a non-finite value.
	ErrInvalidLatitude = errors.New("geo: invalid latitude")
	// ErrInvalidLongitude indicates a longitude outside [-180, 180] or a non-finite value.
	ErrInvalidLongitude = errors.New("geo: invalid longitude")
	// ErrInvalidRadius indicates a negative or non-finite radius.
	ErrInvalidRadius = errors.New("geo: invalid radius")
)

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// NewCoordinate validates the raw values and returns a Coordinate.
func NewCoordinate(latitude, longitude float64) (Coordinate, error) {
	coordinate := Coordinate{Latitude: latitude, Longitude: longitude}
	if err := coordinate.Validate(); err != nil {
		return Coordinate{}, err
	}
	return coordinate, nil
}

// Validate reports whether both components are finite and within range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: %v", ErrInvalidLatitude, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: %v", ErrInvalidLongitude, c.Longitude)
	}
	return nil
}

// DistanceMeters computes the haversine great-circle distance between two points.
// Callers must validate coordinates first; the computation itself cannot fail.
func DistanceMeters(a, b Coordinate) float64 {
	latA := radians(a.Latitude)
	latB := radians(b.Latitude)
	deltaLat := radians(b.Latitude - a.Latitude)
	deltaLon := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	h := sinLat*sinLat + math.Cos(latA)*math.Cos(latB)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// WithinRadius reports whether current lies within radiusMeters of target.
func WithinRadius(target, current Coordinate, radiusMeters float64) bool {
	return DistanceMeters(target, current) <= radiusMeters
}

// ValidateRadius reports whether a tolerance radius is usable.
func ValidateRadius(radiusMeters float64) error {
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, radiusMeters)
	}
	return nil
}

func radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
