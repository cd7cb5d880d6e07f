// Package pointcloud turns a depth/colour scan into a world-space point cloud
// and quantises that cloud onto a probe's anchor sphere.
package pointcloud

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
)

// DefaultMaxDepth is the far clip in metres.
const DefaultMaxDepth = 10.0

// PointStride is the number of float32 values per point: x, y, z, r, g, b
// and a validity flag (1 or 0).
const PointStride = 7

// Point is one unprojected depth pixel with the colour seen at that pixel.
type Point struct {
	Position r3.Vec
	R, G, B  float32
	Valid    bool
}

// Cloud is a dense width×height point grid, row 0 at the top, stored flat so
// it can live in a device buffer. Invalid points keep their slot so the cloud
// stays pixel-aligned.
type Cloud struct {
	Width, Height int
	Data          []float32
}

// NewCloud allocates an all-invalid cloud.
func NewCloud(w, h int) *Cloud {
	return &Cloud{Width: w, Height: h, Data: make([]float32, w*h*PointStride)}
}

// WrapCloud views data as a w×h cloud without copying.
func WrapCloud(w, h int, data []float32) (*Cloud, error) {
	if len(data) != w*h*PointStride {
		return nil, fmt.Errorf("cloud buffer has %d floats, want %d for %dx%d", len(data), w*h*PointStride, w, h)
	}
	return &Cloud{Width: w, Height: h, Data: data}, nil
}

// Len returns the number of points.
func (c *Cloud) Len() int { return len(c.Data) / PointStride }

// At decodes point i.
func (c *Cloud) At(i int) Point {
	d := c.Data[i*PointStride : (i+1)*PointStride]
	return Point{
		Position: r3.Vec{X: float64(d[0]), Y: float64(d[1]), Z: float64(d[2])},
		R:        d[3], G: d[4], B: d[5],
		Valid: d[6] != 0,
	}
}

// Valid reports whether point i holds a sample.
func (c *Cloud) Valid(i int) bool { return c.Data[i*PointStride+6] != 0 }

// Set stores point i.
func (c *Cloud) Set(i int, p Point) {
	d := c.Data[i*PointStride : (i+1)*PointStride]
	d[0], d[1], d[2] = float32(p.Position.X), float32(p.Position.Y), float32(p.Position.Z)
	d[3], d[4], d[5] = p.R, p.G, p.B
	d[6] = 0
	if p.Valid {
		d[6] = 1
	}
}

// ValidCount counts valid points.
func (c *Cloud) ValidCount() int {
	n := 0
	for i := 0; i < c.Len(); i++ {
		if c.Valid(i) {
			n++
		}
	}
	return n
}

// Options controls projection.
type Options struct {
	// MaxDepth discards readings at or beyond this many metres. Zero means
	// DefaultMaxDepth.
	MaxDepth float64
}

func (o Options) maxDepth() float64 {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Projector unprojects one scan. Prepare it with NewProjector, then call
// ProjectRange over disjoint pixel ranges, possibly concurrently.
type Projector struct {
	scan     *sensor.EnvironmentScan
	in       sensor.CameraIntrinsics
	maxDepth float64
	cloud    *Cloud
}

// NewProjector validates the scan and prepares dst, or a new cloud when dst is
// nil. The intrinsics are rescaled when their resolution differs from the
// depth image.
func NewProjector(scan *sensor.EnvironmentScan, in sensor.CameraIntrinsics, opts Options, dst *Cloud) (*Projector, error) {
	if scan == nil || scan.Released() {
		return nil, errors.New("project: scan is nil or released")
	}
	if scan.Depth == nil || scan.Color == nil {
		return nil, errors.New("project: scan is missing depth or colour")
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	d := scan.Depth
	if in.Width != d.Width || in.Height != d.Height {
		in = in.Rescaled(d.Width, d.Height)
	}
	if dst == nil {
		dst = NewCloud(d.Width, d.Height)
	} else if dst.Width != d.Width || dst.Height != d.Height || dst.Len() != d.Width*d.Height {
		return nil, fmt.Errorf("project: cloud is %dx%d, depth is %dx%d", dst.Width, dst.Height, d.Width, d.Height)
	}
	return &Projector{
		scan:     scan,
		in:       in,
		maxDepth: opts.maxDepth(),
		cloud:    dst,
	}, nil
}

// Cloud returns the destination cloud.
func (p *Projector) Cloud() *Cloud { return p.cloud }

// Pixels returns the number of depth pixels.
func (p *Projector) Pixels() int { return p.cloud.Len() }

// ProjectRange fills cloud points [lo, hi). Camera space follows the OpenGL
// convention: +x right, +y up, looking down -z.
func (p *Projector) ProjectRange(lo, hi int) {
	depth, color := p.scan.Depth, p.scan.Color
	fx, fy := p.in.FocalLength[0], p.in.FocalLength[1]
	cx, cy := p.in.PrincipalPoint[0], p.in.PrincipalPoint[1]
	for i := lo; i < hi; i++ {
		x, y := i%depth.Width, i/depth.Width
		var pt Point

		raw, ok := depth.Sample(x, y)
		z := float64(raw) * p.in.DepthScale
		if !ok || z <= 0 || z >= p.maxDepth || math.IsNaN(z) {
			p.cloud.Set(i, pt)
			continue
		}
		cam := r3.Vec{
			X: (float64(x) - cx) / fx * z,
			Y: -(float64(y) - cy) / fy * z,
			Z: -z,
		}
		pt.Position = p.scan.CameraToWorld.Apply(cam)

		colX, colY := x, y
		if color.Width != depth.Width || color.Height != depth.Height {
			colX = min(x*color.Width/depth.Width, color.Width-1)
			colY = min(y*color.Height/depth.Height, color.Height-1)
		}
		pt.R, pt.G, pt.B = color.RGB(colX, colY)
		pt.Valid = true
		p.cloud.Set(i, pt)
	}
}

// Project unprojects every depth pixel of scan on the calling goroutine.
func Project(scan *sensor.EnvironmentScan, in sensor.CameraIntrinsics, opts Options) (*Cloud, error) {
	p, err := NewProjector(scan, in, opts, nil)
	if err != nil {
		return nil, err
	}
	p.ProjectRange(0, p.Pixels())
	return p.cloud, nil
}
