// Package route orders geographic collection points into a walkable visiting
// sequence using greedy nearest-neighbor over great-circle distances.
package route

import (
	"errors"
	"math"
)

// Errors returned by Optimize.
var (
	ErrEmptyInput      = errors.New("no points to order")
	ErrIndexOutOfRange = errors.New("start index out of range")
)

// earthRadiusKm is the mean Earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// Point is a single location fed to the optimizer.
type Point struct {
	Lat float64
	Lon float64
}

// Haversine returns the great-circle distance between two coordinates in
// kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Optimize returns the visiting order as indices into points, starting at
// startIndex and repeatedly hopping to the nearest unvisited point. Ties on
// distance resolve to the lowest original index, which makes the result
// deterministic for any input.
//
// The result is a permutation of [0, len(points)). Runtime is O(n²); point
// sets are field-sized (hundreds, not millions), so the simple scan beats
// maintaining a spatial index.
func Optimize(points []Point, startIndex int) ([]int, error) {
	n := len(points)
	if n == 0 {
		return nil, ErrEmptyInput
	}
	if startIndex < 0 || startIndex >= n {
		return nil, ErrIndexOutOfRange
	}

	order := make([]int, 0, n)
	visited := make([]bool, n)

	current := startIndex
	order = append(order, current)
	visited[current] = true

	for len(order) < n {
		next := -1
		best := math.Inf(1)

		for i := 0; i < n; i++ {
			if visited[i] {
				continue
			}
			d := Haversine(points[current].Lat, points[current].Lon, points[i].Lat, points[i].Lon)
			if d < best {
				best = d
				next = i
			}
		}

		order = append(order, next)
		visited[next] = true
		current = next
	}

	return order, nil
}

// TotalDistance sums the leg distances of an ordered route in kilometers.
func TotalDistance(points []Point, order []int) float64 {
	var total float64
	for i := 1; i < len(order); i++ {
		a := points[order[i-1]]
		b := points[order[i]]
		total += Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
	}
	return total
}
