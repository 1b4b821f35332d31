package geo

import "math"

// earthRadiusMiles matches the radius the pricing team calibrated service
// radii against; do not swap for the km constant.
const earthRadiusMiles = 3959.0

// Haversine returns the great-circle distance in miles between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := toRadians(lat1)
	rlat2 := toRadians(lat2)
	dlat := toRadians(lat2 - lat1)
	dlon := toRadians(lon2 - lon1)

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMiles * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
