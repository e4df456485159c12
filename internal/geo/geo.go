package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371e3

// Point is a position in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Fence is a circular geofence around a reference point.
type Fence struct {
	Center Point
	Radius float64 // meters, inclusive boundary
}

// Contains reports whether p falls inside the fence.
func (f Fence) Contains(p Point) bool {
	return Distance(p, f.Center) <= f.Radius
}

// DistanceTo returns the distance in meters from p to the fence center.
func (f Fence) DistanceTo(p Point) float64 {
	return Distance(p, f.Center)
}
