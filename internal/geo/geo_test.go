package geo

import (
	"errors"
	"math"
	"testing"
)

func TestDistanceMetersKnownPairs(t *testing.T) {
	tests := []struct {
		name      string
		a         Coordinate
		b         Coordinate
		expected  float64
		tolerance float64
	}{
		{
			name:      "same-point",
			a:         Coordinate{Latitude: -22.3321, Longitude: 32.0023},
			b:         Coordinate{Latitude: -22.3321, Longitude: 32.0023},
			expected:  0,
			tolerance: 0.001,
		},
		{
			name:      "nearby-longitude-shift",
			a:         Coordinate{Latitude: -22.3321, Longitude: 32.0023},
			b:         Coordinate{Latitude: -22.3321, Longitude: 32.0021},
			expected:  20.6,
			tolerance: 2,
		},
		{
			name:      "one-degree-latitude",
			a:         Coordinate{Latitude: -22.3321, Longitude: 32.0021},
			b:         Coordinate{Latitude: -21.3321, Longitude: 32.0021},
			expected:  111195,
			tolerance: 200,
		},
		{
			name:      "antipodal-half-circumference",
			a:         Coordinate{Latitude: 0, Longitude: 0},
			b:         Coordinate{Latitude: 0, Longitude: 180},
			expected:  math.Pi * earthRadiusMeters,
			tolerance: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			distance := DistanceMeters(tt.a, tt.b)
			if math.Abs(distance-tt.expected) > tt.tolerance {
				t.Fatalf("expected distance near %.1f, got %.1f", tt.expected, distance)
			}
		})
	}
}

func TestWithinRadiusBoundary(t *testing.T) {
	target := Coordinate{Latitude: -22.3321, Longitude: 32.0023}

	if !WithinRadius(target, target, 0) {
		t.Fatalf("expected exact point to be within zero radius")
	}

	near := Coordinate{Latitude: -22.3321, Longitude: 32.0021}
	if !WithinRadius(target, near, 50) {
		t.Fatalf("expected nearby point to be within 50m")
	}

	far := Coordinate{Latitude: -21.3321, Longitude: 32.0021}
	if WithinRadius(target, far, 50) {
		t.Fatalf("expected distant point to exceed 50m")
	}

	distance := DistanceMeters(target, near)
	if WithinRadius(target, near, distance-0.01) {
		t.Fatalf("expected point just outside the radius to be rejected")
	}
	if !WithinRadius(target, near, distance+0.01) {
		t.Fatalf("expected point just inside the radius to be accepted")
	}
}

func TestCoordinateValidate(t *testing.T) {
	tests := []struct {
		name      string
		latitude  float64
		longitude float64
		expected  error
	}{
		{name: "valid", latitude: 45.5, longitude: -122.6, expected: nil},
		{name: "latitude-north-pole", latitude: 90, longitude: 0, expected: nil},
		{name: "latitude-too-high", latitude: 90.0001, longitude: 0, expected: ErrInvalidLatitude},
		{name: "latitude-too-low", latitude: -90.0001, longitude: 0, expected: ErrInvalidLatitude},
		{name: "latitude-nan", latitude: math.NaN(), longitude: 0, expected: ErrInvalidLatitude},
		{name: "longitude-dateline", latitude: 0, longitude: 180, expected: nil},
		{name: "longitude-too-high", latitude: 0, longitude: 180.0001, expected: ErrInvalidLongitude},
		{name: "longitude-inf", latitude: 0, longitude: math.Inf(1), expected: ErrInvalidLongitude},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoordinate(tt.latitude, tt.longitude)
			if tt.expected == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestValidateRadius(t *testing.T) {
	if err := ValidateRadius(0); err != nil {
		t.Fatalf("zero radius should be valid: %v", err)
	}
	if err := ValidateRadius(50); err != nil {
		t.Fatalf("positive radius should be valid: %v", err)
	}
	if err := ValidateRadius(-1); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("expected ErrInvalidRadius, got %v", err)
	}
	if err := ValidateRadius(math.NaN()); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("expected ErrInvalidRadius for NaN, got %v", err)
	}
}
