package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/codec"
	"github.com/banshee-data/lightprobe/internal/lighting/compute"
	"github.com/banshee-data/lightprobe/internal/lighting/pointcloud"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/monitoring"
)

// groupSize is the work group edge used to size dispatches.
const groupSize = 32

// ProcessorConfig fixes the device resources for one camera resolution and
// anchor sphere.
type ProcessorConfig struct {
	Sphere *anchors.Sphere
	// Intrinsics describe the depth image; colour may differ in resolution.
	Intrinsics        sensor.CameraIntrinsics
	Falloff           pointcloud.FalloffPolicy
	Policy            probebuf.TriggerPolicy
	MaxDepth          float64
	SparsityThreshold float32
	// BruteForce selects the exhaustive anchor search instead of the cache grid.
	BruteForce bool
}

// Outcome is what one probe produced in one tick.
type Outcome struct {
	Decision probebuf.Decision
	// Triggered is true when the decision fired or a trigger was forced.
	Triggered bool
	// Sampled is the number of anchors this frame reached.
	Sampled int
	// Payload is the sparse encoding of the persistent buffer, set only when
	// Triggered.
	Payload []byte
	Stats   codec.Stats
	Elapsed time.Duration
}

// Processor runs the per-frame kernels on a compute device: point cloud
// generation once per scan, then sampling, merging and the trigger decision
// once per probe.
type Processor struct {
	dev    compute.Device
	cfg    ProcessorConfig
	width  int
	height int
	points int
	search string
	// generated is false until GeneratePointCloud succeeds for the current scan.
	generated bool
}

// NewProcessor allocates and uploads the static device resources.
func NewProcessor(dev compute.Device, cfg ProcessorConfig) (*Processor, error) {
	if dev == nil || cfg.Sphere == nil {
		return nil, errors.New("processor: device and sphere are required")
	}
	if err := cfg.Intrinsics.Validate(); err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	if cfg.Falloff == nil {
		cfg.Falloff = pointcloud.InverseFalloff{Scale: 1}
	}
	p := &Processor{
		dev:    dev,
		cfg:    cfg,
		width:  cfg.Intrinsics.Width,
		height: cfg.Intrinsics.Height,
		search: KernelNNSearchAcc,
	}
	p.points = p.width * p.height
	if cfg.BruteForce {
		p.search = KernelNNSearch
	}
	if err := RegisterKernels(dev, cfg.Falloff); err != nil {
		return nil, err
	}
	if err := p.allocate(); err != nil {
		return nil, err
	}
	if err := p.bind(); err != nil {
		return nil, err
	}
	n := cfg.Sphere.Len()
	monitoring.Logf("[processor] %d anchors, grid %d, k=%d, %dx%d depth, search=%s, falloff=%s",
		n, cfg.Sphere.Grid.Size(), cfg.Sphere.Graph.K(), p.width, p.height, p.search, cfg.Falloff.Name())
	return p, nil
}

func (p *Processor) allocate() error {
	n := p.cfg.Sphere.Len()
	g := p.cfg.Sphere.Grid.Size()
	k := p.cfg.Sphere.Graph.K()
	specs := []struct {
		name  string
		kind  compute.Kind
		count int
		data  any
	}{
		{BufCameraIntrinsics, compute.Float32, 7, p.cfg.Intrinsics.Float32s()},
		{BufCameraToWorld, compute.Float32, 16, nil},
		{BufPointCloud, compute.Float32, p.points * pointcloud.PointStride, nil},
		{BufAnchors, compute.Float32, n * 3, p.cfg.Sphere.Float32s()},
		{BufCacheGrid, compute.Uint32, g * g * anchors.SlotsPerBucket, p.cfg.Sphere.Grid.Flat()},
		{BufNNResult, compute.Float32, p.points * pointcloud.NNStride, nil},
		{BufSampleResult, compute.Float32, n * 4, nil},
		{BufPoolingGrid, compute.Uint32, n * k, p.cfg.Sphere.Graph.Flat()},
		{BufDecision, compute.Int32, decisionLen, nil},
	}
	for _, s := range specs {
		if _, err := p.dev.MakeBuffer(s.name, s.kind, s.count); err != nil {
			return fmt.Errorf("processor: %w", err)
		}
		if s.data == nil {
			continue
		}
		if err := p.dev.Write(s.name, s.data); err != nil {
			return fmt.Errorf("processor: upload %s: %w", s.name, err)
		}
	}

	p.dev.SetFloats(UniformMaxDepth, float32(p.cfg.MaxDepth))
	p.dev.SetInts(UniformNumPoints, int32(p.points))
	p.dev.SetInts(UniformGridSize, int32(g))
	p.dev.SetInts(UniformPoolingK, int32(k))
	p.dev.SetInts(UniformMinNeighbors, int32(p.cfg.Policy.MinUncoveredNeighbors), int32(p.cfg.Policy.MinChangedNeighbors))
	p.dev.SetFloats(UniformColorThreshold, p.cfg.Policy.ColorThreshold)
	return nil
}

func (p *Processor) bind() error {
	bindings := map[string][]string{
		KernelPointCloudGeneration: {BufCameraIntrinsics, BufCameraToWorld, BufPointCloud},
		KernelNNSearch:             {BufAnchors, BufPointCloud, BufNNResult},
		KernelNNSearchAcc:          {BufAnchors, BufCacheGrid, BufPointCloud, BufNNResult},
		KernelNNReduce:             {BufPointCloud, BufNNResult, BufSampleResult},
		KernelMakeTriggerDecision:  {BufPoolingGrid, BufDecision},
	}
	for kernel, bufs := range bindings {
		for _, b := range bufs {
			if err := p.dev.Bind(kernel, b); err != nil {
				return fmt.Errorf("processor: %w", err)
			}
		}
	}
	return nil
}

// Device returns the backing compute device.
func (p *Processor) Device() compute.Device { return p.dev }

// Anchors returns N.
func (p *Processor) Anchors() int { return p.cfg.Sphere.Len() }

// Sphere returns the anchor sphere.
func (p *Processor) Sphere() *anchors.Sphere { return p.cfg.Sphere }

// NewProbe allocates a probe's temporary and persistent buffers on the device.
func (p *Processor) NewProbe(pos r3.Vec, baked ...int) *LightProbe {
	return newProbe(p.dev, p.Anchors(), pos, baked)
}

func (p *Processor) groups() compute.Groups {
	return compute.Groups{(p.width + groupSize - 1) / groupSize, (p.height + groupSize - 1) / groupSize, 1}
}

func (p *Processor) linearGroups(n int) compute.Groups {
	return compute.Groups{(n + groupSize - 1) / groupSize, 1, 1}
}

// GeneratePointCloud unprojects scan into the shared point cloud buffer. Every
// probe processed before the next call sees this cloud.
func (p *Processor) GeneratePointCloud(ctx context.Context, scan *sensor.EnvironmentScan) error {
	p.generated = false
	if scan == nil || scan.Released() || scan.Depth == nil || scan.Color == nil {
		return errors.New("processor: scan is nil or released")
	}
	if scan.Depth.Width != p.width || scan.Depth.Height != p.height {
		return fmt.Errorf("processor: depth is %dx%d, configured for %dx%d",
			scan.Depth.Width, scan.Depth.Height, p.width, p.height)
	}
	if err := p.dev.Write(BufCameraToWorld, scan.CameraToWorld[:]); err != nil {
		return err
	}
	if err := p.dev.BindTexture(KernelPointCloudGeneration, TexDepth, scan.Depth); err != nil {
		return err
	}
	if err := p.dev.BindTexture(KernelPointCloudGeneration, TexColor, scan.Color); err != nil {
		return err
	}
	if err := p.dev.Dispatch(ctx, KernelPointCloudGeneration, p.groups()); err != nil {
		return err
	}
	p.generated = true
	return nil
}

// Sample fills the probe's temporary buffer with this frame's samples merged
// over its previous contents and returns the number of anchors reached.
func (p *Processor) Sample(ctx context.Context, probe *LightProbe) (int, error) {
	if !p.generated {
		return 0, errors.New("processor: no point cloud for this frame")
	}
	if probe.Disposed() {
		return 0, ErrProbeDisposed
	}
	pos := probe.Position()
	p.dev.SetFloats(UniformProbePosition, float32(pos.X), float32(pos.Y), float32(pos.Z))
	if err := p.dev.Dispatch(ctx, p.search, p.linearGroups(p.points)); err != nil {
		return 0, err
	}
	if err := p.dev.Dispatch(ctx, KernelNNReduce, p.linearGroups(p.Anchors())); err != nil {
		return 0, err
	}
	result, err := p.dev.Buffer(BufSampleResult)
	if err != nil {
		return 0, err
	}
	sampled, err := result.Float32s()
	if err != nil {
		return 0, err
	}
	reached := 0
	for i := 3; i < len(sampled); i += 4 {
		if sampled[i] > 0 {
			reached++
		}
	}
	return reached, p.Merge(ctx, result, probe.temporary)
}

// Merge folds src into dst anchor by anchor.
func (p *Processor) Merge(ctx context.Context, src, dst *compute.Buffer) error {
	if err := p.dev.BindExternal(KernelMergeBuffers, SlotMergeInput, src); err != nil {
		return err
	}
	if err := p.dev.BindExternal(KernelMergeBuffers, SlotMergeBase, dst); err != nil {
		return err
	}
	return p.dev.Dispatch(ctx, KernelMergeBuffers, p.linearGroups(p.Anchors()))
}

// Decide compares the probe's temporary buffer against its persistent one.
func (p *Processor) Decide(ctx context.Context, probe *LightProbe) (probebuf.Decision, error) {
	if probe.Disposed() {
		return probebuf.Decision{}, ErrProbeDisposed
	}
	if err := p.dev.BindExternal(KernelMakeTriggerDecision, SlotDecisionInput, probe.temporary); err != nil {
		return probebuf.Decision{}, err
	}
	if err := p.dev.BindExternal(KernelMakeTriggerDecision, SlotDecisionBase, probe.persistent); err != nil {
		return probebuf.Decision{}, err
	}
	if err := p.dev.Dispatch(ctx, KernelMakeTriggerDecision, p.linearGroups(p.Anchors())); err != nil {
		return probebuf.Decision{}, err
	}
	buf, err := p.dev.Buffer(BufDecision)
	if err != nil {
		return probebuf.Decision{}, err
	}
	out, err := buf.Int32s()
	if err != nil {
		return probebuf.Decision{}, err
	}
	return probebuf.Decision{
		Fire:    out[decisionFire] != 0,
		Counter: int(out[decisionCounter]),
		Novel:   int(out[decisionNovel]),
		Changed: int(out[decisionChanged]),
	}, nil
}

// RunProbe samples, decides and, when the decision fires or force is set,
// commits the temporary buffer into the persistent one and encodes it.
// GeneratePointCloud must have run for the current scan.
func (p *Processor) RunProbe(ctx context.Context, probe *LightProbe, force bool) (Outcome, error) {
	start := time.Now()
	var out Outcome
	reached, err := p.Sample(ctx, probe)
	if err != nil {
		return out, fmt.Errorf("sample probe %s: %w", probe.ID, err)
	}
	out.Sampled = reached
	if out.Decision, err = p.Decide(ctx, probe); err != nil {
		return out, fmt.Errorf("decide probe %s: %w", probe.ID, err)
	}
	out.Triggered = out.Decision.Fire || force
	if !out.Triggered {
		out.Elapsed = time.Since(start)
		return out, nil
	}
	if err := p.Merge(ctx, probe.temporary, probe.persistent); err != nil {
		return out, fmt.Errorf("commit probe %s: %w", probe.ID, err)
	}
	persist, err := probe.persistentSnapshot()
	if err != nil {
		return out, err
	}
	if out.Payload, out.Stats, err = codec.Encode(persist, p.cfg.SparsityThreshold); err != nil {
		return out, fmt.Errorf("encode probe %s: %w", probe.ID, err)
	}
	out.Elapsed = time.Since(start)
	monitoring.Debugf("[processor] probe %s: reached %d, novel %d, changed %d, encoded %d (%d bytes) in %v",
		probe.ID, reached, out.Decision.Novel, out.Decision.Changed, out.Stats.Encoded, out.Stats.Bytes, out.Elapsed)
	return out, nil
}

// Run processes a single probe against scan.
func (p *Processor) Run(ctx context.Context, scan *sensor.EnvironmentScan, probe *LightProbe, force bool) (Outcome, error) {
	if err := p.GeneratePointCloud(ctx, scan); err != nil {
		return Outcome{}, err
	}
	return p.RunProbe(ctx, probe, force)
}

// PointCloud returns a copy of the last generated cloud.
func (p *Processor) PointCloud() (*pointcloud.Cloud, error) {
	buf, err := p.dev.Buffer(BufPointCloud)
	if err != nil {
		return nil, err
	}
	data, err := buf.Float32s()
	if err != nil {
		return nil, err
	}
	return pointcloud.WrapCloud(p.width, p.height, append([]float32(nil), data...))
}

// Release frees every device resource.
func (p *Processor) Release() error {
	p.generated = false
	return p.dev.Release()
}
