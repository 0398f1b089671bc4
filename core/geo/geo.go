// Package geo provides great-circle distance math for driver matching.
package geo

import (
	"math"

	"github.com/citycab/dispatch/core/model"
)

// earthRadiusKm is the spherical-Earth approximation used by the haversine
// formula.
const earthRadiusKm = 6371

// UnreachableDistanceMeters is attributed to drivers whose position is not
// yet known, so a vehicle class served only by position-less drivers still
// appears in matching results instead of vanishing.
const UnreachableDistanceMeters = 99_999_999.0

// DistanceKm returns the haversine distance between two coordinates in
// kilometers. Pure and symmetric: DistanceKm(a, b) == DistanceKm(b, a).
func DistanceKm(a, b model.Coordinate) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	deltaPhi := radians(b.Lat - a.Lat)
	deltaLambda := radians(b.Lon - a.Lon)

	h := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*
			math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func radians(degree float64) float64 {
	return degree * math.Pi / 180
}

// Candidate is a driver considered for matching. A nil Position means the
// driver has not reported a location yet.
type Candidate struct {
	VehicleClass string
	Position     *model.Coordinate
}

// NearestAvailable resolves, per vehicle class, the distance in meters from
// the origin to the closest candidate of that class.
func NearestAvailable(origin model.Coordinate, candidates []Candidate) map[string]float64 {
	nearest := make(map[string]float64)
	for _, c := range candidates {
		d := UnreachableDistanceMeters
		if c.Position != nil {
			d = DistanceKm(origin, *c.Position) * 1000
		}
		if cur, ok := nearest[c.VehicleClass]; !ok || d < cur {
			nearest[c.VehicleClass] = d
		}
	}
	return nearest
}
