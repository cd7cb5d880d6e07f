// Package anchors builds the fixed anchor-direction sphere shared by every
// probe, plus its two read-only indices: a bucket cache grid over spherical
// coordinates for nearest-direction lookup, and a k-nearest pooling graph used
// by the trigger decision.
//
// Anchor order is the public index space. Every probe buffer, the grid, the
// graph and the wire encoding refer to anchors by their generation index.
package anchors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// goldenAngle is π·(3 − √5), the azimuth step of the Fibonacci lattice.
var goldenAngle = math.Pi * (3 - math.Sqrt(5))

// FibonacciSphere returns n near-uniform unit directions. y runs from +1 at
// index 0 to −1 at index n−1.
func FibonacciSphere(n int) ([]r3.Vec, error) {
	if n < 2 {
		return nil, fmt.Errorf("anchor count must be at least 2, got %d", n)
	}
	dirs := make([]r3.Vec, n)
	for i := range dirs {
		y := 1 - (float64(i)/float64(n-1))*2
		radius := math.Sqrt(math.Max(0, 1-y*y))
		theta := float64(i) * goldenAngle
		dirs[i] = r3.Vec{X: math.Cos(theta) * radius, Y: y, Z: math.Sin(theta) * radius}
	}
	return dirs, nil
}

// Spherical is a direction in polar form. Colatitude is measured from +Z in
// [0, π]; Azimuth is atan2(y, x) in (−π, π].
type Spherical struct {
	Colatitude float64
	Azimuth    float64
	Radius     float64
}

// ToSpherical converts v to spherical coordinates. The zero vector maps to
// colatitude 0 so callers never see NaN.
func ToSpherical(v r3.Vec) Spherical {
	r := r3.Norm(v)
	if r == 0 {
		return Spherical{}
	}
	cz := math.Max(-1, math.Min(1, v.Z/r))
	return Spherical{Colatitude: math.Acos(cz), Azimuth: math.Atan2(v.Y, v.X), Radius: r}
}

// ToCartesian is the inverse of ToSpherical.
func (s Spherical) ToCartesian() r3.Vec {
	sin := math.Sin(s.Colatitude)
	return r3.Vec{
		X: s.Radius * sin * math.Cos(s.Azimuth),
		Y: s.Radius * sin * math.Sin(s.Azimuth),
		Z: s.Radius * math.Cos(s.Colatitude),
	}
}

// Config selects the sphere resolution and index parameters.
type Config struct {
	NumAnchors       int
	PoolingNeighbors int
	PoolingWindow    int
	// GridSize is the cache grid resolution G; 0 picks one with AutoGridSize.
	GridSize int
}

// Sphere bundles the anchor directions with their cache grid and pooling
// graph. It is immutable after NewSphere returns and safe to share.
type Sphere struct {
	Directions []r3.Vec
	Grid       *CacheGrid
	Graph      *PoolingGraph
}

// NewSphere generates the directions and builds both indices.
func NewSphere(cfg Config) (*Sphere, error) {
	dirs, err := FibonacciSphere(cfg.NumAnchors)
	if err != nil {
		return nil, err
	}
	g := cfg.GridSize
	if g == 0 {
		if g, err = AutoGridSize(dirs); err != nil {
			return nil, err
		}
	}
	grid, err := NewCacheGrid(dirs, g)
	if err != nil {
		return nil, err
	}
	graph, err := NewPoolingGraph(dirs, cfg.PoolingNeighbors, cfg.PoolingWindow)
	if err != nil {
		return nil, err
	}
	return &Sphere{Directions: dirs, Grid: grid, Graph: graph}, nil
}

// Len returns N, the anchor count.
func (s *Sphere) Len() int { return len(s.Directions) }

// Float32s flattens the directions to x,y,z triples for device upload.
func (s *Sphere) Float32s() []float32 {
	out := make([]float32, 0, len(s.Directions)*3)
	for _, d := range s.Directions {
		out = append(out, float32(d.X), float32(d.Y), float32(d.Z))
	}
	return out
}

// DirectionsFromFloat32s is the inverse of Sphere.Float32s.
func DirectionsFromFloat32s(f []float32) ([]r3.Vec, error) {
	if len(f)%3 != 0 {
		return nil, fmt.Errorf("direction buffer length %d is not a multiple of 3", len(f))
	}
	out := make([]r3.Vec, len(f)/3)
	for i := range out {
		out[i] = r3.Vec{X: float64(f[i*3]), Y: float64(f[i*3+1]), Z: float64(f[i*3+2])}
	}
	return out, nil
}
