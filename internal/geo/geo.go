package geo

import (
	"errors"
	"fmt"
	"math"
)

const EarthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidCoordinate, c.Lat)
	}
	if math.IsNaN(c.Lon) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

// DistanceKm returns the great-circle (haversine) distance between a and b.
func DistanceKm(a, b Coordinate) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	deltaPhi := (b.Lat - a.Lat) * math.Pi / 180
	deltaLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// Interpolate linearly interpolates lat and lon independently.
// fraction is clamped to [0, 1].
func Interpolate(a, b Coordinate, fraction float64) Coordinate {
	fraction = Clamp(fraction, 0, 1)
	return Coordinate{
		Lat: a.Lat + (b.Lat-a.Lat)*fraction,
		Lon: a.Lon + (b.Lon-a.Lon)*fraction,
	}
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SegmentDistances returns the length of each consecutive leg.
func SegmentDistances(points []Coordinate) []float64 {
	if len(points) < 2 {
		return nil
	}
	out := make([]float64, len(points)-1)
	for i := 1; i < len(points); i++ {
		out[i-1] = DistanceKm(points[i-1], points[i])
	}
	return out
}

// CumulativeDistances returns the distance from the first point to every
// point; the first element is always 0.
func CumulativeDistances(points []Coordinate) []float64 {
	if len(points) == 0 {
		return nil
	}
	out := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		out[i] = out[i-1] + DistanceKm(points[i-1], points[i])
	}
	return out
}

// PointAlong walks the polyline and returns the point that lies at
// progress (0..1) of its total length. It reports false when the line
// has fewer than two points or zero length.
func PointAlong(points []Coordinate, progress float64) (Coordinate, bool) {
	if len(points) < 2 {
		return Coordinate{}, false
	}

	segments := SegmentDistances(points)
	var total float64
	for _, d := range segments {
		total += d
	}
	if total <= 0 {
		return Coordinate{}, false
	}

	target := total * Clamp(progress, 0, 1)
	var covered float64
	for i, d := range segments {
		if covered+d >= target {
			var fraction float64
			if d > 0 {
				fraction = (target - covered) / d
			}
			return Interpolate(points[i], points[i+1], fraction), true
		}
		covered += d
	}

	return points[len(points)-1], true
}

// NearestIndex returns the index of the point closest to target, or -1
// for an empty slice.
func NearestIndex(points []Coordinate, target Coordinate) int {
	best := -1
	bestDist := math.MaxFloat64
	for i, p := range points {
		if d := DistanceKm(p, target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
