package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaversineZeroDistance(t *testing.T) {
	require.InDelta(t, 0, Haversine(40.7128, -74.0060, 40.7128, -74.0060), 1e-9)
}

func TestHaversineKnownDistance(t *testing.T) {
	// New York to Los Angeles is roughly 2445 miles
	d := Haversine(40.7128, -74.0060, 34.0522, -118.2437)
	require.InDelta(t, 2445, d, 15)
}

func TestHaversineSymmetric(t *testing.T) {
	a := Haversine(37.7749, -122.4194, 47.6062, -122.3321)
	b := Haversine(47.6062, -122.3321, 37.7749, -122.4194)
	require.InDelta(t, a, b, 1e-9)
}

func TestHaversineShortRange(t *testing.T) {
	// one degree of latitude is about 69 miles
	d := Haversine(35.0, -97.0, 36.0, -97.0)
	require.InDelta(t, 69.1, d, 0.5)
}
