// Package sh implements real spherical harmonics up to band 2: the basis,
// Monte-Carlo projection of uniformly distributed directional samples, and
// irradiance reconstruction.
//
// Coefficients are channel-first: element c*9+b is colour channel c, basis
// function b.
package sh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// NumBasis is the number of band-0..2 basis functions.
	NumBasis = 9
	// NumChannels is the number of colour channels.
	NumChannels = 3
	// NumCoefficients is the length of a coefficient vector.
	NumCoefficients = NumBasis * NumChannels
)

// Coefficients is a channel-first band-2 RGB SH vector.
type Coefficients [NumCoefficients]float32

// FromSlice validates and copies a 27-element coefficient slice.
func FromSlice(v []float32) (Coefficients, error) {
	var c Coefficients
	if len(v) != NumCoefficients {
		return c, fmt.Errorf("expected %d SH coefficients, got %d", NumCoefficients, len(v))
	}
	copy(c[:], v)
	return c, nil
}

// At returns the coefficient for channel ch and basis b.
func (c Coefficients) At(ch, b int) float32 { return c[ch*NumBasis+b] }

// Basis evaluates the nine real SH basis functions at unit direction d.
func Basis(d r3.Vec) [NumBasis]float64 {
	x, y, z := d.X, d.Y, d.Z
	return [NumBasis]float64{
		0.282095,
		0.488603 * y,
		0.488603 * z,
		0.488603 * x,
		1.092548 * x * y,
		1.092548 * y * z,
		0.315392 * (3*z*z - 1),
		1.092548 * x * z,
		0.546274 * (x*x - y*y),
	}
}

// Project integrates colour samples taken at near-uniform directions over the
// sphere, weighting each by 4π/n.
func Project(dirs []r3.Vec, rgb [][3]float32) (Coefficients, error) {
	var c Coefficients
	if len(dirs) != len(rgb) {
		return c, fmt.Errorf("direction/colour length mismatch: %d vs %d", len(dirs), len(rgb))
	}
	if len(dirs) == 0 {
		return c, nil
	}
	var acc [NumCoefficients]float64
	for i, d := range dirs {
		basis := Basis(d)
		for ch := 0; ch < NumChannels; ch++ {
			v := float64(rgb[i][ch])
			if v == 0 {
				continue
			}
			for b := 0; b < NumBasis; b++ {
				acc[ch*NumBasis+b] += basis[b] * v
			}
		}
	}
	norm := 4 * math.Pi / float64(len(dirs))
	for i := range acc {
		c[i] = float32(acc[i] * norm)
	}
	return c, nil
}

// Irradiance reconstructs the cosine-convolved radiance arriving at a surface
// with unit normal n, per colour channel.
func (c Coefficients) Irradiance(n r3.Vec) [NumChannels]float32 {
	const (
		c1 = 0.429043
		c2 = 0.511664
		c3 = 0.743125
		c4 = 0.886227
		c5 = 0.247708
	)
	x, y, z := n.X, n.Y, n.Z
	var out [NumChannels]float32
	for ch := 0; ch < NumChannels; ch++ {
		l := func(b int) float64 { return float64(c.At(ch, b)) }
		v := c4*l(0) +
			2*c2*(l(3)*x+l(1)*y+l(2)*z) +
			2*c1*(l(4)*x*y+l(5)*y*z+l(7)*x*z) +
			l(6)*(c3*z*z-c5) +
			c1*l(8)*(x*x-y*y)
		out[ch] = float32(v)
	}
	return out
}
