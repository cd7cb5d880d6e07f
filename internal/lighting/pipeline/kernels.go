package pipeline

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/compute"
	"github.com/banshee-data/lightprobe/internal/lighting/pointcloud"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
)

// Kernel names.
const (
	KernelPointCloudGeneration = "point_cloud_generation"
	KernelNNSearch             = "light_probe_nn_search"
	KernelNNSearchAcc          = "light_probe_nn_search_acc"
	KernelNNReduce             = "light_probe_nn_reduce"
	KernelMakeTriggerDecision  = "make_trigger_decision"
	KernelMergeBuffers         = "merge_buffers"
)

// Buffer and binding slot names.
const (
	BufCameraIntrinsics = "pcg_camera_intrinsics"
	BufCameraToWorld    = "pcg_camera_to_world_matrix"
	BufPointCloud       = "pcg_result_point_cloud"
	BufAnchors          = "lps_anchors"
	BufCacheGrid        = "lpn_cache_grid"
	BufNNResult         = "lpn_result_buffer"
	BufSampleResult     = "lpr_result"
	BufPoolingGrid      = "mtd_pooling_grid"
	BufDecision         = "mtd_decision_buffer"

	// Slots bound per dispatch to probe-owned buffers.
	SlotDecisionInput = "mtd_input_buffer"
	SlotDecisionBase  = "mtd_base_buffer"
	SlotMergeInput    = "mb_input_buffer"
	SlotMergeBase     = "mb_base_buffer"

	TexDepth = "pcg_depth_texture"
	TexColor = "pcg_color_texture"
)

// Uniform names.
const (
	UniformNumPoints      = "lpr_num_points"
	UniformProbePosition  = "lps_probe_position"
	UniformMaxDepth       = "pcg_max_depth"
	UniformGridSize       = "lpn_grid_size"
	UniformPoolingK       = "mtd_pooling_k"
	UniformMinNeighbors   = "mtd_min_neighbors"
	UniformColorThreshold = "mtd_color_threshold"
)

// Decision buffer layout.
const (
	decisionFire = iota
	decisionCounter
	decisionNovel
	decisionChanged
	decisionLen
)

// RegisterKernels installs the CPU implementation of every kernel on dev.
// The falloff is fixed per registration; everything else arrives through
// buffers and uniforms.
func RegisterKernels(dev compute.Device, falloff pointcloud.FalloffPolicy) error {
	kernels := map[string]compute.KernelFunc{
		KernelPointCloudGeneration: pointCloudGeneration,
		KernelNNSearch:             nnSearch,
		KernelNNSearchAcc:          nnSearchAcc,
		KernelNNReduce:             nnReduce(falloff),
		KernelMakeTriggerDecision:  makeTriggerDecision,
		KernelMergeBuffers:         mergeBuffers,
	}
	for name, fn := range kernels {
		if err := dev.MakeKernel(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func pointCloudGeneration(ctx context.Context, inv *compute.Invocation) error {
	depthTex, err := inv.Texture(TexDepth)
	if err != nil {
		return err
	}
	colorTex, err := inv.Texture(TexColor)
	if err != nil {
		return err
	}
	depth, ok := depthTex.(*sensor.DepthImage)
	if !ok {
		return fmt.Errorf("%s: want *sensor.DepthImage, got %T", TexDepth, depthTex)
	}
	color, ok := colorTex.(*sensor.ColorImage)
	if !ok {
		return fmt.Errorf("%s: want *sensor.ColorImage, got %T", TexColor, colorTex)
	}
	intr, err := inv.Float32s(BufCameraIntrinsics)
	if err != nil {
		return err
	}
	m, err := inv.Float32s(BufCameraToWorld)
	if err != nil {
		return err
	}
	out, err := inv.Float32s(BufPointCloud)
	if err != nil {
		return err
	}
	maxDepth, err := inv.Floats(UniformMaxDepth)
	if err != nil {
		return err
	}

	var arr [7]float64
	for i := range arr {
		arr[i] = float64(intr[i])
	}
	in, err := sensor.IntrinsicsFromArray(arr)
	if err != nil {
		return err
	}
	var ext sensor.Extrinsic
	copy(ext[:], m)
	cloud, err := pointcloud.WrapCloud(depth.Width, depth.Height, out)
	if err != nil {
		return err
	}
	scan := &sensor.EnvironmentScan{Color: color, Depth: depth, CameraToWorld: ext}
	proj, err := pointcloud.NewProjector(scan, in, pointcloud.Options{MaxDepth: float64(maxDepth[0])}, cloud)
	if err != nil {
		return err
	}
	return inv.Parallel(ctx, proj.Pixels(), func(_, lo, hi int) error {
		proj.ProjectRange(lo, hi)
		return nil
	})
}

// searchInputs gathers what both search kernels share.
func searchInputs(inv *compute.Invocation) (*pointcloud.Cloud, []float32, r3.Vec, []r3.Vec, error) {
	pc, err := inv.Float32s(BufPointCloud)
	if err != nil {
		return nil, nil, r3.Vec{}, nil, err
	}
	nn, err := inv.Float32s(BufNNResult)
	if err != nil {
		return nil, nil, r3.Vec{}, nil, err
	}
	pos, err := inv.Floats(UniformProbePosition)
	if err != nil {
		return nil, nil, r3.Vec{}, nil, err
	}
	if len(pos) != 3 {
		return nil, nil, r3.Vec{}, nil, fmt.Errorf("%s: want 3 floats, got %d", UniformProbePosition, len(pos))
	}
	raw, err := inv.Float32s(BufAnchors)
	if err != nil {
		return nil, nil, r3.Vec{}, nil, err
	}
	dirs, err := anchors.DirectionsFromFloat32s(raw)
	if err != nil {
		return nil, nil, r3.Vec{}, nil, err
	}
	n := len(pc) / pointcloud.PointStride
	cloud, err := pointcloud.WrapCloud(n, 1, pc)
	if err != nil {
		return nil, nil, r3.Vec{}, nil, err
	}
	probe := r3.Vec{X: float64(pos[0]), Y: float64(pos[1]), Z: float64(pos[2])}
	return cloud, nn, probe, dirs, nil
}

func runSearch(ctx context.Context, inv *compute.Invocation, index pointcloud.Nearest, dirs int, cloud *pointcloud.Cloud, probe r3.Vec, nn []float32) error {
	if len(nn) != cloud.Len()*pointcloud.NNStride {
		return fmt.Errorf("%s has %d floats, want %d", BufNNResult, len(nn), cloud.Len()*pointcloud.NNStride)
	}
	s := pointcloud.NewSampler(index, dirs, nil, 1)
	return inv.Parallel(ctx, cloud.Len(), func(_, lo, hi int) error {
		s.Search(cloud, probe, lo, hi, nn)
		return nil
	})
}

// nnSearch assigns points to anchors by scanning every anchor.
func nnSearch(ctx context.Context, inv *compute.Invocation) error {
	cloud, nn, probe, dirs, err := searchInputs(inv)
	if err != nil {
		return err
	}
	return runSearch(ctx, inv, pointcloud.BruteForceNearest(dirs), len(dirs), cloud, probe, nn)
}

// nnSearchAcc assigns points to anchors through the cache grid.
func nnSearchAcc(ctx context.Context, inv *compute.Invocation) error {
	cloud, nn, probe, dirs, err := searchInputs(inv)
	if err != nil {
		return err
	}
	slots, err := inv.Uint32s(BufCacheGrid)
	if err != nil {
		return err
	}
	g, err := inv.Ints(UniformGridSize)
	if err != nil {
		return err
	}
	grid, err := anchors.WrapCacheGrid(dirs, int(g[0]), slots)
	if err != nil {
		return err
	}
	return runSearch(ctx, inv, grid, len(dirs), cloud, probe, nn)
}

func nnReduce(falloff pointcloud.FalloffPolicy) compute.KernelFunc {
	return func(_ context.Context, inv *compute.Invocation) error {
		pc, err := inv.Float32s(BufPointCloud)
		if err != nil {
			return err
		}
		nn, err := inv.Float32s(BufNNResult)
		if err != nil {
			return err
		}
		out, err := inv.Float32s(BufSampleResult)
		if err != nil {
			return err
		}
		points, err := inv.Ints(UniformNumPoints)
		if err != nil {
			return err
		}
		cloud, err := pointcloud.WrapCloud(int(points[0]), 1, pc)
		if err != nil {
			return err
		}
		return pointcloud.NewSampler(nil, len(out)/4, falloff, 1).Reduce(cloud, nn, out)
	}
}

func mergeBuffers(ctx context.Context, inv *compute.Invocation) error {
	src, err := inv.Float32s(SlotMergeInput)
	if err != nil {
		return err
	}
	dst, err := inv.Float32s(SlotMergeBase)
	if err != nil {
		return err
	}
	if len(src) != len(dst) || len(src)%4 != 0 {
		return fmt.Errorf("merge length mismatch: src %d, dst %d", len(src), len(dst))
	}
	return inv.Parallel(ctx, len(src)/4, func(_, lo, hi int) error {
		return probebuf.MergeFloat32s(src[lo*4:hi*4], dst[lo*4:hi*4])
	})
}

func makeTriggerDecision(_ context.Context, inv *compute.Invocation) error {
	in, err := inv.Float32s(SlotDecisionInput)
	if err != nil {
		return err
	}
	base, err := inv.Float32s(SlotDecisionBase)
	if err != nil {
		return err
	}
	pool, err := inv.Uint32s(BufPoolingGrid)
	if err != nil {
		return err
	}
	out, err := inv.Int32s(BufDecision)
	if err != nil {
		return err
	}
	k, err := inv.Ints(UniformPoolingK)
	if err != nil {
		return err
	}
	minNeighbors, err := inv.Ints(UniformMinNeighbors)
	if err != nil {
		return err
	}
	threshold, err := inv.Floats(UniformColorThreshold)
	if err != nil {
		return err
	}
	temp, err := probebuf.FromFloat32s(in)
	if err != nil {
		return err
	}
	persist, err := probebuf.FromFloat32s(base)
	if err != nil {
		return err
	}
	policy := probebuf.TriggerPolicy{
		MinUncoveredNeighbors: int(minNeighbors[0]),
		ColorThreshold:        threshold[0],
		MinChangedNeighbors:   int(minNeighbors[1]),
	}
	d, err := probebuf.Decide(temp, persist, probebuf.FlatGraph{K: int(k[0]), Data: pool}, policy)
	if err != nil {
		return err
	}
	out[decisionFire] = 0
	if d.Fire {
		out[decisionFire] = 1
	}
	out[decisionCounter] = int32(d.Counter)
	out[decisionNovel] = int32(d.Novel)
	out[decisionChanged] = int32(d.Changed)
	return nil
}
