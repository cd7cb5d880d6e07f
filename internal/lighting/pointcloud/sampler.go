package pointcloud

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/compute"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
)

// NNStride is the number of float32 values Search writes per point: the
// nearest anchor index (or -1) and the point's distance from the probe.
const NNStride = 2

// Nearest resolves a unit direction to an anchor index.
type Nearest interface {
	Nearest(d r3.Vec) (int, float64)
}

// Sampler quantises a point cloud onto the anchor sphere around a probe in
// two passes: Search assigns every point to its nearest anchor by direction,
// then Reduce keeps the closest point per anchor.
type Sampler struct {
	index   Nearest
	anchors int
	falloff FalloffPolicy
	workers int
}

// NewSampler builds a sampler over n anchors. workers <= 0 uses GOMAXPROCS.
func NewSampler(index Nearest, n int, falloff FalloffPolicy, workers int) *Sampler {
	if falloff == nil {
		falloff = InverseFalloff{Scale: 1}
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Sampler{index: index, anchors: n, falloff: falloff, workers: workers}
}

// NewSphereSampler is NewSampler over a Sphere's cache grid.
func NewSphereSampler(s *anchors.Sphere, falloff FalloffPolicy, workers int) *Sampler {
	return NewSampler(s.Grid, s.Len(), falloff, workers)
}

// Anchors returns the anchor count.
func (s *Sampler) Anchors() int { return s.anchors }

// Falloff returns the weight policy.
func (s *Sampler) Falloff() FalloffPolicy { return s.falloff }

// Search writes the nearest anchor and distance of points [lo, hi) into nn.
// Points that are invalid or sit exactly on the probe get anchor -1.
func (s *Sampler) Search(cloud *Cloud, probe r3.Vec, lo, hi int, nn []float32) {
	for i := lo; i < hi; i++ {
		out := nn[i*NNStride : (i+1)*NNStride]
		out[0], out[1] = -1, 0
		if !cloud.Valid(i) {
			continue
		}
		delta := r3.Sub(cloud.At(i).Position, probe)
		dist := r3.Norm(delta)
		if dist == 0 {
			continue
		}
		a, _ := s.index.Nearest(r3.Scale(1/dist, delta))
		out[0], out[1] = float32(a), float32(dist)
	}
}

// Reduce scans the search result in point order and, for every anchor, keeps
// the closest point; the first point wins ties. out receives r, g, b, w per
// anchor, with zero records for anchors no point reached.
func (s *Sampler) Reduce(cloud *Cloud, nn []float32, out []float32) error {
	if len(out) != s.anchors*4 {
		return fmt.Errorf("reduce: output has %d floats, want %d", len(out), s.anchors*4)
	}
	if len(nn) != cloud.Len()*NNStride {
		return fmt.Errorf("reduce: search result has %d floats, want %d", len(nn), cloud.Len()*NNStride)
	}
	best := make([]int32, s.anchors)
	bestDist := make([]float32, s.anchors)
	for a := range best {
		best[a] = -1
		bestDist[a] = float32(math.Inf(1))
	}
	for i := 0; i < cloud.Len(); i++ {
		a := int(nn[i*NNStride])
		if a < 0 {
			continue
		}
		if a >= s.anchors {
			return fmt.Errorf("reduce: point %d maps to anchor %d of %d", i, a, s.anchors)
		}
		if d := nn[i*NNStride+1]; d < bestDist[a] {
			best[a], bestDist[a] = int32(i), d
		}
	}
	clear(out)
	for a, i := range best {
		if i < 0 {
			continue
		}
		p := cloud.At(int(i))
		o := out[a*4 : a*4+4]
		o[0], o[1], o[2] = p.R, p.G, p.B
		o[3] = s.falloff.Weight(float64(bestDist[a]))
	}
	return nil
}

// Sample returns a fresh per-anchor buffer for one probe position. Search
// runs in parallel chunks; the result does not depend on the worker count.
func (s *Sampler) Sample(ctx context.Context, cloud *Cloud, probe r3.Vec) (probebuf.Buffer, error) {
	nn := make([]float32, cloud.Len()*NNStride)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range compute.Chunks(cloud.Len(), s.workers) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.Search(cloud, probe, c[0], c[1], nn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]float32, s.anchors*4)
	if err := s.Reduce(cloud, nn, out); err != nil {
		return nil, err
	}
	return probebuf.FromFloat32s(out)
}

// BruteForceNearest scans every direction. It is the reference the grid
// search is checked against.
type BruteForceNearest []r3.Vec

func (b BruteForceNearest) Nearest(d r3.Vec) (int, float64) {
	best, bestCos := -1, math.Inf(-1)
	for i, a := range b {
		if c := r3.Dot(d, a); c > bestCos {
			best, bestCos = i, c
		}
	}
	return best, bestCos
}
