// Package sensor defines the camera data model (intrinsics, colour and depth
// images, camera-to-world extrinsics), the DataProvider seam every frame source
// implements, and the EnvironmentScanner that pulls one consistent scan per
// tick. Live and simulated providers live here; archive replay lives in the
// archive package.
package sensor

import "errors"

// ErrUnavailable marks a transient acquisition failure: the sensor has no
// frame yet, tracking was lost, and so on. The scanner skips the tick on it.
// Any other error from a provider is treated as fatal to the caller.
var ErrUnavailable = errors.New("sensor data unavailable")

// DataProvider is a source of camera frames. AcquireDepth opens a new frame;
// AcquireColor and AcquireExtrinsic then refer to that same frame.
type DataProvider interface {
	Intrinsics() (CameraIntrinsics, error)
	AcquireDepth() (*DepthImage, error)
	AcquireColor() (*ColorImage, error)
	AcquireExtrinsic() (Extrinsic, error)
}

// EnvironmentScan is one consistent (color, depth, camera-to-world) triple. A
// scan belongs to a single tick; call Release when done with it.
type EnvironmentScan struct {
	Color         *ColorImage
	Depth         *DepthImage
	CameraToWorld Extrinsic
	released      bool
}

// Release drops the image buffers. Releasing twice is a no-op.
func (s *EnvironmentScan) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	s.Color = nil
	s.Depth = nil
}

// Released reports whether Release has been called.
func (s *EnvironmentScan) Released() bool {
	return s.released
}
