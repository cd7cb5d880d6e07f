package sensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame dimensions used by recorded sessions and the simulated camera.
const (
	FrameWidth  = 256
	FrameHeight = 192
)

// ColorImage is a tightly packed RGB24 image, row 0 at the top.
type ColorImage struct {
	Width, Height int
	Pix           []byte
}

// NewColorImage allocates a black image.
func NewColorImage(w, h int) *ColorImage {
	return &ColorImage{Width: w, Height: h, Pix: make([]byte, w*h*3)}
}

// DecodeColor wraps raw RGB24 bytes.
func DecodeColor(w, h int, data []byte) (*ColorImage, error) {
	if len(data) != w*h*3 {
		return nil, fmt.Errorf("color buffer is %d bytes, want %d for %dx%d RGB24", len(data), w*h*3, w, h)
	}
	return &ColorImage{Width: w, Height: h, Pix: data}, nil
}

// RGB returns the pixel at (x, y) as linear [0,1] floats.
func (c *ColorImage) RGB(x, y int) (r, g, b float32) {
	i := (y*c.Width + x) * 3
	return float32(c.Pix[i]) / 255, float32(c.Pix[i+1]) / 255, float32(c.Pix[i+2]) / 255
}

// Set writes the pixel at (x, y).
func (c *ColorImage) Set(x, y int, r, g, b uint8) {
	i := (y*c.Width + x) * 3
	c.Pix[i], c.Pix[i+1], c.Pix[i+2] = r, g, b
}

// DepthFormat is the storage format of a depth image.
type DepthFormat int

const (
	// DepthFloat32 stores one little-endian float32 per pixel. Live sensors
	// deliver metres directly and pair it with a depth scale of 1.
	DepthFloat32 DepthFormat = iota
	// DepthUint16 stores one little-endian uint16 per pixel, normalised by
	// 65535 on read. 65535 marks a saturated reading.
	DepthUint16
)

func (f DepthFormat) String() string {
	switch f {
	case DepthFloat32:
		return "float32"
	case DepthUint16:
		return "uint16"
	}
	return fmt.Sprintf("DepthFormat(%d)", int(f))
}

// DepthImage is a single-channel depth map, row 0 at the top.
type DepthImage struct {
	Width, Height int
	Format        DepthFormat
	F32           []float32
	U16           []uint16
}

// NewDepthImage allocates a zero (invalid everywhere) depth image.
func NewDepthImage(w, h int, format DepthFormat) *DepthImage {
	d := &DepthImage{Width: w, Height: h, Format: format}
	if format == DepthUint16 {
		d.U16 = make([]uint16, w*h)
	} else {
		d.F32 = make([]float32, w*h)
	}
	return d
}

// DecodeDepth interprets raw bytes, choosing the format from the buffer size.
func DecodeDepth(w, h int, data []byte) (*DepthImage, error) {
	n := w * h
	switch len(data) {
	case n * 4:
		d := NewDepthImage(w, h, DepthFloat32)
		for i := range d.F32 {
			d.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return d, nil
	case n * 2:
		d := NewDepthImage(w, h, DepthUint16)
		for i := range d.U16 {
			d.U16[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return d, nil
	}
	return nil, fmt.Errorf("depth buffer is %d bytes, want %d (float32) or %d (uint16) for %dx%d", len(data), n*4, n*2, w, h)
}

// Bytes encodes the image in its native format.
func (d *DepthImage) Bytes() []byte {
	if d.Format == DepthUint16 {
		out := make([]byte, len(d.U16)*2)
		for i, v := range d.U16 {
			binary.LittleEndian.PutUint16(out[i*2:], v)
		}
		return out
	}
	out := make([]byte, len(d.F32)*4)
	for i, v := range d.F32 {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Sample returns the normalised depth at (x, y) and whether it is usable:
// finite, positive and not saturated.
func (d *DepthImage) Sample(x, y int) (float32, bool) {
	i := y*d.Width + x
	if d.Format == DepthUint16 {
		raw := d.U16[i]
		if raw == 0 || raw == math.MaxUint16 {
			return 0, false
		}
		return float32(raw) / math.MaxUint16, true
	}
	v := d.F32[i]
	if v <= 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0, false
	}
	return v, true
}
