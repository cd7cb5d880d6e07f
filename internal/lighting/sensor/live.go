package sensor

import (
	"fmt"
	"sync"
)

// FrameSource is the host's view of the AR session: the most recent camera
// image, depth map, calibration and tracked pose. Each accessor reports false
// when nothing is available yet.
type FrameSource interface {
	LatestColor() (*ColorImage, bool)
	LatestDepth() (*DepthImage, bool)
	// NativeIntrinsics is the calibration at the colour camera's resolution.
	NativeIntrinsics() (CameraIntrinsics, bool)
	CameraToWorld() (Extrinsic, bool)
}

// LiveProvider adapts a FrameSource to DataProvider. Depth maps from AR
// sessions arrive in metres at a lower resolution than the colour camera, so
// intrinsics are rescaled to the depth resolution with a depth scale of 1.
type LiveProvider struct {
	src   FrameSource
	mu    sync.Mutex
	depth *DepthImage
}

// NewLiveProvider wraps src.
func NewLiveProvider(src FrameSource) *LiveProvider {
	return &LiveProvider{src: src}
}

// Intrinsics returns the calibration at the current depth resolution.
func (p *LiveProvider) Intrinsics() (CameraIntrinsics, error) {
	native, ok := p.src.NativeIntrinsics()
	if !ok {
		return CameraIntrinsics{}, fmt.Errorf("camera intrinsics: %w", ErrUnavailable)
	}
	p.mu.Lock()
	depth := p.depth
	p.mu.Unlock()
	if depth == nil {
		d, ok := p.src.LatestDepth()
		if !ok {
			return CameraIntrinsics{}, fmt.Errorf("depth resolution: %w", ErrUnavailable)
		}
		depth = d
	}
	c := native.Rescaled(depth.Width, depth.Height)
	c.DepthScale = 1
	return c, nil
}

// AcquireDepth latches the latest depth map as the current frame.
func (p *LiveProvider) AcquireDepth() (*DepthImage, error) {
	d, ok := p.src.LatestDepth()
	if !ok {
		return nil, fmt.Errorf("environment depth: %w", ErrUnavailable)
	}
	p.mu.Lock()
	p.depth = d
	p.mu.Unlock()
	return d, nil
}

func (p *LiveProvider) AcquireColor() (*ColorImage, error) {
	c, ok := p.src.LatestColor()
	if !ok {
		return nil, fmt.Errorf("camera image: %w", ErrUnavailable)
	}
	return c, nil
}

func (p *LiveProvider) AcquireExtrinsic() (Extrinsic, error) {
	e, ok := p.src.CameraToWorld()
	if !ok {
		return Extrinsic{}, fmt.Errorf("camera pose: %w", ErrUnavailable)
	}
	return e, nil
}

// LatestFrame is a FrameSource fed by the host. Each Publish overwrites the
// previous value and never blocks. A colour image is handed out at most once,
// so the same camera frame is not processed twice; depth, calibration and
// pose stay readable until replaced.
type LatestFrame struct {
	mu         sync.RWMutex
	color      *ColorImage
	depth      *DepthImage
	intrinsics *CameraIntrinsics
	pose       *Extrinsic
	dropped    int64
}

// PublishColor replaces the latest colour image.
func (f *LatestFrame) PublishColor(c *ColorImage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.color != nil {
		f.dropped++
	}
	f.color = c
}

// PublishDepth replaces the latest depth map.
func (f *LatestFrame) PublishDepth(d *DepthImage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth = d
}

// PublishIntrinsics sets the native calibration.
func (f *LatestFrame) PublishIntrinsics(c CameraIntrinsics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intrinsics = &c
}

// PublishPose sets the latest camera-to-world transform.
func (f *LatestFrame) PublishPose(e Extrinsic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pose = &e
}

// Dropped counts colour images overwritten before anyone read them.
func (f *LatestFrame) Dropped() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func (f *LatestFrame) LatestColor() (*ColorImage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.color
	f.color = nil
	if c == nil {
		return nil, false
	}
	return c, true
}

func (f *LatestFrame) LatestDepth() (*DepthImage, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.depth, f.depth != nil
}

func (f *LatestFrame) NativeIntrinsics() (CameraIntrinsics, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.intrinsics == nil {
		return CameraIntrinsics{}, false
	}
	return *f.intrinsics, true
}

func (f *LatestFrame) CameraToWorld() (Extrinsic, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.pose == nil {
		return Extrinsic{}, false
	}
	return *f.pose, true
}
