package sensor

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// SimulatedIntrinsics is the reference 1280×1024 camera calibration scaled to
// the 256×192 depth resolution, with 16-bit depth at 4000 counts per metre.
func SimulatedIntrinsics() CameraIntrinsics {
	sx := float64(FrameWidth) / 1280
	sy := float64(FrameHeight) / 1024
	return CameraIntrinsics{
		DepthScale:     65535.0 / 4000.0,
		FocalLength:    [2]float64{1076.51 * sx, 1076.92 * sy},
		PrincipalPoint: [2]float64{629.969 * sx, 515.181 * sy},
		Width:          FrameWidth,
		Height:         FrameHeight,
	}
}

// SimulatedConfig controls the synthetic room scene.
type SimulatedConfig struct {
	Seed int64
	// RoomHalfExtent is half the room width/depth in metres; the floor is at
	// y=0 and the ceiling at RoomHeight.
	RoomHalfExtent float64
	RoomHeight     float64
	// OrbitRadius and EyeHeight place the camera; it turns YawStep radians
	// per frame and nods up and down by PitchAmplitude.
	OrbitRadius    float64
	EyeHeight      float64
	YawStep        float64
	PitchAmplitude float64
	// DepthNoise is the standard deviation of Gaussian depth noise in metres.
	DepthNoise float64
	// DropoutRate is the fraction of depth pixels reported invalid.
	DropoutRate float64
}

// DefaultSimulatedConfig returns a 4m×3m×4m room viewed from near its centre.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		Seed:           1,
		RoomHalfExtent: 2,
		RoomHeight:     3,
		OrbitRadius:    0.3,
		EyeHeight:      1.4,
		YawStep:        0.15,
		PitchAmplitude: 0.35,
		DepthNoise:     0.005,
		DropoutRate:    0.01,
	}
}

// SimulatedProvider renders a deterministic box room by ray casting: coloured
// walls, a bright window on the far wall and a ceiling lamp. The camera
// orbits the room centre, so successive frames reveal new directions.
type SimulatedProvider struct {
	cfg        SimulatedConfig
	intrinsics CameraIntrinsics

	mu    sync.Mutex
	rng   *rand.Rand
	frame int
	open  bool
	color *ColorImage
	depth *DepthImage
	pose  Extrinsic
}

// NewSimulatedProvider creates a provider for cfg.
func NewSimulatedProvider(cfg SimulatedConfig) *SimulatedProvider {
	return &SimulatedProvider{
		cfg:        cfg,
		intrinsics: SimulatedIntrinsics(),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (p *SimulatedProvider) Intrinsics() (CameraIntrinsics, error) {
	return p.intrinsics, nil
}

// Frame returns the number of frames rendered so far.
func (p *SimulatedProvider) Frame() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// PoseAt returns the camera-to-world transform for frame k.
func (p *SimulatedProvider) PoseAt(k int) Extrinsic {
	yaw := float64(k) * p.cfg.YawStep
	pitch := p.cfg.PitchAmplitude * math.Sin(float64(k)*0.1)
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	// R = RotY(yaw) · RotX(pitch)
	rot := [3][3]float64{
		{cy, sy * sp, sy * cp},
		{0, cp, -sp},
		{-sy, cy * sp, cy * cp},
	}
	eye := r3.Vec{
		X: p.cfg.OrbitRadius * math.Cos(yaw),
		Y: p.cfg.EyeHeight,
		Z: p.cfg.OrbitRadius * math.Sin(yaw),
	}
	return ExtrinsicFromPose(rot, eye)
}

// AcquireDepth renders the next frame and returns its depth map.
func (p *SimulatedProvider) AcquireDepth() (*DepthImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pose = p.PoseAt(p.frame)
	p.color, p.depth = p.render(p.pose)
	p.frame++
	p.open = true
	return p.depth, nil
}

func (p *SimulatedProvider) AcquireColor() (*ColorImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil, fmt.Errorf("no simulated frame rendered yet: %w", ErrUnavailable)
	}
	return p.color, nil
}

func (p *SimulatedProvider) AcquireExtrinsic() (Extrinsic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return Extrinsic{}, fmt.Errorf("no simulated frame rendered yet: %w", ErrUnavailable)
	}
	return p.pose, nil
}

func (p *SimulatedProvider) render(pose Extrinsic) (*ColorImage, *DepthImage) {
	in := p.intrinsics
	color := NewColorImage(in.Width, in.Height)
	depth := NewDepthImage(in.Width, in.Height, DepthUint16)
	origin := pose.Translation()
	metresToRaw := math.MaxUint16 / in.DepthScale

	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			// Camera looks down -Z with +Y up; image rows grow downwards.
			cam := r3.Vec{
				X: (float64(x) - in.PrincipalPoint[0]) / in.FocalLength[0],
				Y: -(float64(y) - in.PrincipalPoint[1]) / in.FocalLength[1],
				Z: -1,
			}
			dir := r3.Sub(pose.Apply(cam), origin)
			t, hit := p.intersect(origin, dir)
			r, g, b := p.shade(hit)
			color.Set(x, y, r, g, b)

			if p.cfg.DropoutRate > 0 && p.rng.Float64() < p.cfg.DropoutRate {
				continue
			}
			d := t + p.rng.NormFloat64()*p.cfg.DepthNoise
			raw := math.Round(d * metresToRaw)
			if raw < 1 {
				continue
			}
			if raw >= math.MaxUint16 {
				raw = math.MaxUint16
			}
			depth.U16[y*in.Width+x] = uint16(raw)
		}
	}
	return color, depth
}

// intersect finds where the ray o + t·d leaves the room box. With d's camera
// z component fixed at -1, t is also the depth along the optical axis.
func (p *SimulatedProvider) intersect(o, d r3.Vec) (float64, r3.Vec) {
	h := p.cfg.RoomHalfExtent
	t := math.Inf(1)
	exit := func(pos, dir, lo, hi float64) {
		switch {
		case dir > 0:
			t = math.Min(t, (hi-pos)/dir)
		case dir < 0:
			t = math.Min(t, (lo-pos)/dir)
		}
	}
	exit(o.X, d.X, -h, h)
	exit(o.Y, d.Y, 0, p.cfg.RoomHeight)
	exit(o.Z, d.Z, -h, h)
	return t, r3.Add(o, r3.Scale(t, d))
}

func (p *SimulatedProvider) shade(hit r3.Vec) (uint8, uint8, uint8) {
	h := p.cfg.RoomHalfExtent
	const eps = 1e-6
	switch {
	case hit.Y >= p.cfg.RoomHeight-eps:
		if hit.X*hit.X+hit.Z*hit.Z < 0.16 {
			return 255, 252, 240 // lamp
		}
		return 215, 215, 205
	case hit.Y <= eps:
		return 120, 100, 80
	case hit.Z <= -h+eps:
		if hit.Y > 1 && hit.Y < 2.2 && math.Abs(hit.X) < 0.8 {
			return 255, 250, 235 // window
		}
		return 190, 180, 150
	case hit.Z >= h-eps:
		return 80, 140, 90
	case hit.X >= h-eps:
		return 90, 110, 160
	default:
		return 160, 80, 70
	}
}
