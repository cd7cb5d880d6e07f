package sensor

import (
	"fmt"
	"strconv"
	"strings"
)

// CameraIntrinsics describes the depth camera. DepthScale converts a
// normalised depth sample to metres.
type CameraIntrinsics struct {
	DepthScale     float64
	FocalLength    [2]float64
	PrincipalPoint [2]float64
	Width          int
	Height         int
}

// ToArray returns (depthScale, fx, fy, cx, cy, width, height).
func (c CameraIntrinsics) ToArray() [7]float64 {
	return [7]float64{
		c.DepthScale,
		c.FocalLength[0], c.FocalLength[1],
		c.PrincipalPoint[0], c.PrincipalPoint[1],
		float64(c.Width), float64(c.Height),
	}
}

// Float32s is ToArray narrowed for device upload.
func (c CameraIntrinsics) Float32s() []float32 {
	a := c.ToArray()
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = float32(v)
	}
	return out
}

// IntrinsicsFromArray is the inverse of ToArray.
func IntrinsicsFromArray(a [7]float64) (CameraIntrinsics, error) {
	c := CameraIntrinsics{
		DepthScale:     a[0],
		FocalLength:    [2]float64{a[1], a[2]},
		PrincipalPoint: [2]float64{a[3], a[4]},
		Width:          int(a[5]),
		Height:         int(a[6]),
	}
	if float64(c.Width) != a[5] || float64(c.Height) != a[6] {
		return CameraIntrinsics{}, fmt.Errorf("intrinsics resolution must be integral, got %gx%g", a[5], a[6])
	}
	return c, c.Validate()
}

// ParseIntrinsics reads the comma-separated form written by String.
func ParseIntrinsics(s string) (CameraIntrinsics, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 7 {
		return CameraIntrinsics{}, fmt.Errorf("intrinsics need 7 values, got %d", len(fields))
	}
	var a [7]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return CameraIntrinsics{}, fmt.Errorf("intrinsics value %d: %w", i, err)
		}
		a[i] = v
	}
	return IntrinsicsFromArray(a)
}

// String renders the seven values comma-separated, as stored in info.txt.
func (c CameraIntrinsics) String() string {
	a := c.ToArray()
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Validate checks the intrinsics can unproject pixels.
func (c CameraIntrinsics) Validate() error {
	if c.DepthScale <= 0 {
		return fmt.Errorf("depth scale must be positive, got %g", c.DepthScale)
	}
	if c.FocalLength[0] <= 0 || c.FocalLength[1] <= 0 {
		return fmt.Errorf("focal length must be positive, got %v", c.FocalLength)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", c.Width, c.Height)
	}
	return nil
}

// Rescaled maps intrinsics calibrated at the camera's native resolution onto a
// width×height image, the way depth maps are delivered at a lower resolution
// than the colour camera they were calibrated against.
func (c CameraIntrinsics) Rescaled(width, height int) CameraIntrinsics {
	sx := float64(width) / float64(c.Width)
	sy := float64(height) / float64(c.Height)
	return CameraIntrinsics{
		DepthScale:     c.DepthScale,
		FocalLength:    [2]float64{c.FocalLength[0] * sx, c.FocalLength[1] * sy},
		PrincipalPoint: [2]float64{c.PrincipalPoint[0] * sx, c.PrincipalPoint[1] * sy},
		Width:          width,
		Height:         height,
	}
}
