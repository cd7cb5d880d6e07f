package sensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Extrinsic is a 4×4 camera-to-world transform stored column-major: element
// (row, col) lives at index col*4+row.
type Extrinsic [16]float32

// IdentityExtrinsic returns the identity transform.
func IdentityExtrinsic() Extrinsic {
	var e Extrinsic
	e[0], e[5], e[10], e[15] = 1, 1, 1, 1
	return e
}

// At returns element (row, col).
func (e Extrinsic) At(row, col int) float64 {
	return float64(e[col*4+row])
}

// Apply transforms a camera-space point to world space.
func (e Extrinsic) Apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: e.At(0, 0)*p.X + e.At(0, 1)*p.Y + e.At(0, 2)*p.Z + e.At(0, 3),
		Y: e.At(1, 0)*p.X + e.At(1, 1)*p.Y + e.At(1, 2)*p.Z + e.At(1, 3),
		Z: e.At(2, 0)*p.X + e.At(2, 1)*p.Y + e.At(2, 2)*p.Z + e.At(2, 3),
	}
}

// Translation returns the camera position in world space.
func (e Extrinsic) Translation() r3.Vec {
	return r3.Vec{X: e.At(0, 3), Y: e.At(1, 3), Z: e.At(2, 3)}
}

// ExtrinsicFromPose builds a camera-to-world transform from a rotation matrix
// (row-major 3×3) and a translation.
func ExtrinsicFromPose(rot [3][3]float64, t r3.Vec) Extrinsic {
	var e Extrinsic
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			e[c*4+r] = float32(rot[r][c])
		}
	}
	e[12], e[13], e[14], e[15] = float32(t.X), float32(t.Y), float32(t.Z), 1
	return e
}

// Bytes encodes the 16 floats little-endian, column-major.
func (e Extrinsic) Bytes() []byte {
	out := make([]byte, 64)
	for i, v := range e {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeExtrinsic reads 16 little-endian float32 values.
func DecodeExtrinsic(data []byte) (Extrinsic, error) {
	var e Extrinsic
	if len(data) != 64 {
		return e, fmt.Errorf("extrinsic is %d bytes, want 64", len(data))
	}
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return e, nil
}

// Validate checks that e is a rigid transform: finite entries, bottom row
// (0, 0, 0, 1) and a rotation block with determinant 1.
func (e Extrinsic) Validate() error {
	for i, v := range e {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("extrinsic element %d is not finite", i)
		}
	}
	const tol = 1e-3
	if math.Abs(e.At(3, 0)) > tol || math.Abs(e.At(3, 1)) > tol || math.Abs(e.At(3, 2)) > tol || math.Abs(e.At(3, 3)-1) > tol {
		return fmt.Errorf("extrinsic bottom row must be (0,0,0,1), got (%g,%g,%g,%g)",
			e.At(3, 0), e.At(3, 1), e.At(3, 2), e.At(3, 3))
	}
	rot := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot.Set(r, c, e.At(r, c))
		}
	}
	if det := mat.Det(rot); math.Abs(det-1) > 1e-2 {
		return fmt.Errorf("extrinsic rotation determinant is %g, want 1", det)
	}
	return nil
}
