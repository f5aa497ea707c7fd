package assign

import (
	"math"

	"cafm/internal/model"
)

const (
	// MaxTravelDistanceKm is the hard radius beyond which a technician is
	// excluded from consideration.
	MaxTravelDistanceKm = 50.0

	earthRadiusKm      = 6371.0
	travelMinutesPerKm = 2.5
)

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// NormalizedDistance scales a distance into [0,1] against the travel radius.
func NormalizedDistance(km float64) float64 {
	n := km / MaxTravelDistanceKm
	if n > 1 {
		return 1
	}
	return n
}

// TravelMinutes estimates drive time from distance using a fixed average
// speed assumption.
func TravelMinutes(km float64) float64 {
	return km * travelMinutesPerKm
}
