package pointcloud

import (
	"fmt"
	"math"
)

// FalloffPolicy maps a point's distance from the probe to a confidence
// weight. Implementations must be non-increasing in distance and positive
// for any finite distance, so a sampled anchor is always marked covered.
type FalloffPolicy interface {
	Weight(distance float64) float32
	Name() string
}

// InverseFalloff is 1/(1+d/Scale).
type InverseFalloff struct{ Scale float64 }

func (f InverseFalloff) Weight(d float64) float32 {
	return float32(1 / (1 + d/scaleOrOne(f.Scale)))
}

func (InverseFalloff) Name() string { return "inverse" }

// ExponentialFalloff is exp(-d/Scale), floored at the smallest positive
// float32 so far points still count as coverage.
type ExponentialFalloff struct{ Scale float64 }

func (f ExponentialFalloff) Weight(d float64) float32 {
	w := float32(math.Exp(-d / scaleOrOne(f.Scale)))
	if w <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return w
}

func (ExponentialFalloff) Name() string { return "exponential" }

// ConstantFalloff weights every sample 1.
type ConstantFalloff struct{}

func (ConstantFalloff) Weight(float64) float32 { return 1 }
func (ConstantFalloff) Name() string           { return "constant" }

func scaleOrOne(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return s
}

// ParseFalloff resolves a falloff by configuration name.
func ParseFalloff(name string, scale float64) (FalloffPolicy, error) {
	switch name {
	case "", "inverse":
		return InverseFalloff{Scale: scale}, nil
	case "exponential":
		return ExponentialFalloff{Scale: scale}, nil
	case "constant":
		return ConstantFalloff{}, nil
	}
	return nil, fmt.Errorf("unknown falloff %q", name)
}
