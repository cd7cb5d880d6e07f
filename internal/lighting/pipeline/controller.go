package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/config"
	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/codec"
	"github.com/banshee-data/lightprobe/internal/lighting/compute"
	"github.com/banshee-data/lightprobe/internal/lighting/inference"
	"github.com/banshee-data/lightprobe/internal/lighting/pointcloud"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

var (
	// ErrAcquire wraps provider failures that are not transient. Run stops on
	// them; every other tick error is logged and the loop continues.
	ErrAcquire          = errors.New("scan acquisition failed")
	ErrControllerClosed = errors.New("controller closed")
	ErrUnknownProbe     = errors.New("unknown light probe")
	ErrDisabled         = errors.New("controller disabled")
)

// State is the controller's run state.
type State int

const (
	StateDisabled State = iota
	StateEnabled
)

func (s State) String() string {
	if s == StateEnabled {
		return "enabled"
	}
	return "disabled"
}

// Dumper uploads diagnostic data without blocking.
type Dumper interface {
	DumpAsync(ctx context.Context, req inference.DumpRequest)
}

// ControllerConfig wires a Controller. Sphere and Provider are required.
type ControllerConfig struct {
	Sphere   *anchors.Sphere
	Provider sensor.DataProvider
	// Device defaults to a CPU device with Workers workers.
	Device compute.Device
	// Estimator may be nil, in which case triggers are counted but nothing
	// is estimated.
	Estimator inference.Estimator
	Sink      Sink
	Dumper    Dumper
	Clock     timeutil.Clock

	Falloff           pointcloud.FalloffPolicy
	Policy            probebuf.TriggerPolicy
	MaxDepth          float64
	SparsityThreshold float32
	ForceTrigger      bool
	Async             bool
	Enabled           bool
	BruteForce        bool
	TickInterval      time.Duration
	Workers           int
}

// ConfigFromEstimation fills the sphere and tuning fields of a ControllerConfig
// from an estimation config. The caller still supplies Provider, Estimator
// and Sink.
func ConfigFromEstimation(ec *config.EstimationConfig) (ControllerConfig, error) {
	if err := ec.Validate(); err != nil {
		return ControllerConfig{}, err
	}
	sphere, err := anchors.NewSphere(anchors.Config{
		NumAnchors:       ec.GetNumAnchors(),
		PoolingNeighbors: ec.GetPoolingNeighbors(),
		PoolingWindow:    ec.GetPoolingWindow(),
		GridSize:         ec.GetCacheGridSize(),
	})
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("anchor sphere: %w", err)
	}
	falloff, err := pointcloud.ParseFalloff(ec.GetFalloff(), ec.GetFalloffScaleM())
	if err != nil {
		return ControllerConfig{}, err
	}
	return ControllerConfig{
		Sphere:  sphere,
		Falloff: falloff,
		Policy: probebuf.TriggerPolicy{
			MinUncoveredNeighbors: ec.GetTriggerMinUncoveredNeighbors(),
			ColorThreshold:        float32(ec.GetTriggerColorThreshold()),
			MinChangedNeighbors:   ec.GetTriggerMinChangedNeighbors(),
		},
		MaxDepth:          ec.GetMaxDepthM(),
		SparsityThreshold: float32(ec.GetSparsityThreshold()),
		ForceTrigger:      ec.GetForceTrigger(),
		Async:             ec.GetAsyncInference(),
		Enabled:           ec.GetEnabled(),
		TickInterval:      ec.GetTickInterval(),
		Workers:           ec.GetComputeWorkers(),
	}, nil
}

// Stats is a snapshot of controller counters.
type Stats struct {
	State  State
	Probes int
	Ticks  int64
	// Scans counts acquired scans; Skipped counts ticks without one.
	Scans   int64
	Skipped int64
	// Fired counts decisions that fired; Forced counts forced triggers.
	Fired  int64
	Forced int64
	// Submitted counts payloads handed to the estimator.
	Submitted int64
	// Triggers is the lifetime count of published estimates.
	Triggers int64
	Failures int64
	Dropped  int64
	InFlight int
	LastTick time.Time
	LastTook time.Duration
}

// ProbeOutcome pairs a probe with what it produced in one tick.
type ProbeOutcome struct {
	ProbeID uuid.UUID
	Outcome
}

// TickReport describes one tick.
type TickReport struct {
	// Attempted is false when the controller was disabled.
	Attempted bool
	// Scanned is false when no scan was available.
	Scanned  bool
	Outcomes []ProbeOutcome
}

type submission struct {
	decision probebuf.Decision
	stats    codec.Stats
	forced   bool
}

type probeState struct {
	probe   *LightProbe
	queue   *inference.Queue
	pending map[uint64]submission
}

// Controller owns the probes and drives the per-tick pipeline: acquire one
// scan, generate its point cloud, then sample, decide and estimate for every
// probe in placement order.
type Controller struct {
	cfg     ControllerConfig
	dev     compute.Device
	clock   timeutil.Clock
	scanner *sensor.Scanner

	// tickMu serialises ticks against probe removal and Close.
	tickMu sync.Mutex
	proc   *Processor
	// bufMu guards probe buffer contents: kernels write them under the write
	// lock, ProbeBuffers copies them under the read lock.
	bufMu sync.RWMutex

	mu        sync.Mutex
	state     State
	probes    []*probeState
	forceNext bool
	stats     Stats
	closed    bool
}

// NewController validates cfg and builds an idle controller. Device resources
// are sized on the first scan.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Sphere == nil {
		return nil, errors.New("controller: anchor sphere is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("controller: data provider is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Device == nil {
		cfg.Device = compute.NewCPUDevice(cfg.Workers)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	c := &Controller{
		cfg:     cfg,
		dev:     cfg.Device,
		clock:   cfg.Clock,
		scanner: sensor.NewScanner(cfg.Provider),
	}
	if cfg.Enabled {
		c.state = StateEnabled
	}
	return c, nil
}

// State returns the run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Enable()  { c.setState(StateEnabled) }
func (c *Controller) Disable() { c.setState(StateDisabled) }

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		monitoring.Logf("[controller] %s", s)
	}
	c.state = s
}

// TriggerNow forces an estimation for every probe on the next tick.
func (c *Controller) TriggerNow() {
	c.mu.Lock()
	c.forceNext = true
	c.mu.Unlock()
}

// Sphere returns the anchor sphere.
func (c *Controller) Sphere() *anchors.Sphere { return c.cfg.Sphere }

// PlaceProbe registers a probe at pos. Estimates for it are written to the
// listed baked probe slots.
func (c *Controller) PlaceProbe(pos r3.Vec, baked ...int) (*LightProbe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrControllerClosed
	}
	ps := &probeState{probe: newProbe(c.dev, c.cfg.Sphere.Len(), pos, baked)}
	if c.cfg.Async && c.cfg.Estimator != nil {
		ps.queue = inference.NewQueue(c.cfg.Estimator, c.clock)
		ps.pending = make(map[uint64]submission)
	}
	c.probes = append(c.probes, ps)
	monitoring.Logf("[controller] placed probe %s at (%.3f, %.3f, %.3f)", ps.probe.ID, pos.X, pos.Y, pos.Z)
	return ps.probe, nil
}

// RemoveProbe disposes a probe. An estimation still running for it is
// cancelled once ctx expires.
func (c *Controller) RemoveProbe(ctx context.Context, id uuid.UUID) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.mu.Lock()
	var ps *probeState
	for i, p := range c.probes {
		if p.probe.ID == id {
			ps = p
			c.probes = append(c.probes[:i:i], c.probes[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if ps == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, id)
	}
	var err error
	if ps.queue != nil {
		err = ps.queue.Close(ctx)
	}
	c.bufMu.Lock()
	ps.probe.Dispose()
	c.bufMu.Unlock()
	monitoring.Logf("[controller] removed probe %s", id)
	return err
}

// Probes returns the live probes in placement order.
func (c *Controller) Probes() []*LightProbe {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LightProbe, len(c.probes))
	for i, ps := range c.probes {
		out[i] = ps.probe
	}
	return out
}

// Probe looks a probe up by id.
func (c *Controller) Probe(id uuid.UUID) (*LightProbe, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ps := range c.probes {
		if ps.probe.ID == id {
			return ps.probe, true
		}
	}
	return nil, false
}

// ProbeBuffers is a consistent copy of one probe's buffers.
type ProbeBuffers struct {
	Temporary  probebuf.Buffer
	Persistent probebuf.Buffer
}

// ProbeBuffers copies a probe's temporary and persistent buffers. It is safe
// to call while the controller is ticking.
func (c *Controller) ProbeBuffers(id uuid.UUID) (ProbeBuffers, error) {
	c.bufMu.RLock()
	defer c.bufMu.RUnlock()
	p, ok := c.Probe(id)
	if !ok {
		return ProbeBuffers{}, fmt.Errorf("%w: %s", ErrUnknownProbe, id)
	}
	temp, err := p.temporarySnapshot()
	if err != nil {
		return ProbeBuffers{}, err
	}
	persist, err := p.persistentSnapshot()
	if err != nil {
		return ProbeBuffers{}, err
	}
	return ProbeBuffers{Temporary: temp, Persistent: persist}, nil
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.State = c.state
	st.Probes = len(c.probes)
	st.Scans = c.scanner.Acquired()
	st.Skipped = c.scanner.Skipped()
	for _, ps := range c.probes {
		if ps.queue == nil {
			continue
		}
		st.Dropped += ps.queue.Dropped()
		if ps.queue.Busy() {
			st.InFlight++
		}
	}
	return st
}

func (c *Controller) snapshot() ([]*probeState, State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.state, false, ErrControllerClosed
	}
	force := c.cfg.ForceTrigger || c.forceNext
	if c.state == StateEnabled {
		c.forceNext = false
	}
	return append([]*probeState(nil), c.probes...), c.state, force, nil
}

// Tick runs one pipeline step. Transient sensor gaps skip the tick without an
// error. Failures of individual probes are joined into the returned error
// after every probe has been processed.
func (c *Controller) Tick(ctx context.Context) (TickReport, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	probes, state, force, err := c.snapshot()
	if err != nil || state != StateEnabled {
		return TickReport{}, err
	}
	start := c.clock.Now()
	defer func() {
		c.mu.Lock()
		c.stats.Ticks++
		c.stats.LastTick = start
		c.stats.LastTook = c.clock.Since(start)
		c.mu.Unlock()
	}()

	report := TickReport{Attempted: true}
	errs := c.drain(ctx, probes)

	scan, err := c.scanner.Acquire()
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	if scan == nil {
		return report, errors.Join(errs...)
	}
	defer scan.Release()
	report.Scanned = true

	if len(probes) == 0 {
		return report, errors.Join(errs...)
	}
	proc, err := c.processor(scan)
	if err != nil {
		return report, err
	}
	if err := proc.GeneratePointCloud(ctx, scan); err != nil {
		return report, fmt.Errorf("point cloud: %w", err)
	}

	for _, ps := range probes {
		c.bufMu.Lock()
		out, err := proc.RunProbe(ctx, ps.probe, force)
		c.bufMu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Outcomes = append(report.Outcomes, ProbeOutcome{ProbeID: ps.probe.ID, Outcome: out})
		if !out.Triggered {
			continue
		}
		c.mu.Lock()
		if out.Decision.Fire {
			c.stats.Fired++
		} else {
			c.stats.Forced++
		}
		c.mu.Unlock()
		if len(out.Payload) == 0 {
			monitoring.Debugf("[controller] probe %s triggered with no bright anchors; nothing to send", ps.probe.ID)
			continue
		}
		sub := submission{decision: out.Decision, stats: out.Stats, forced: !out.Decision.Fire}
		if err := c.dispatch(ctx, ps, out.Payload, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// processor builds the device pipeline on the first scan, sized to its depth
// image. Must be called with tickMu held.
func (c *Controller) processor(scan *sensor.EnvironmentScan) (*Processor, error) {
	if c.proc != nil {
		return c.proc, nil
	}
	in, err := c.cfg.Provider.Intrinsics()
	if err != nil {
		return nil, fmt.Errorf("%w: intrinsics: %w", ErrAcquire, err)
	}
	if in.Width != scan.Depth.Width || in.Height != scan.Depth.Height {
		in = in.Rescaled(scan.Depth.Width, scan.Depth.Height)
	}
	proc, err := NewProcessor(c.dev, ProcessorConfig{
		Sphere:            c.cfg.Sphere,
		Intrinsics:        in,
		Falloff:           c.cfg.Falloff,
		Policy:            c.cfg.Policy,
		MaxDepth:          c.cfg.MaxDepth,
		SparsityThreshold: c.cfg.SparsityThreshold,
		BruteForce:        c.cfg.BruteForce,
	})
	if err != nil {
		return nil, err
	}
	c.proc = proc
	return proc, nil
}

func (c *Controller) dispatch(ctx context.Context, ps *probeState, payload []byte, sub submission) error {
	if c.cfg.Dumper != nil {
		if persist, err := ps.probe.persistentSnapshot(); err == nil {
			c.cfg.Dumper.DumpAsync(ctx, inference.DumpRequest{
				FileName:   fmt.Sprintf("%s_%d", ps.probe.ID, c.clock.Now().UnixMilli()),
				FileType:   inference.DumpPointCloudFloat4,
				AnchorSize: len(persist),
				Body:       codec.EncodeFloat4(persist),
			})
		}
	}
	if c.cfg.Estimator == nil {
		monitoring.Debugf("[controller] probe %s: no estimator, dropping %d byte payload", ps.probe.ID, len(payload))
		return nil
	}

	c.mu.Lock()
	c.stats.Submitted++
	c.mu.Unlock()

	if ps.queue != nil {
		seq, err := ps.queue.Submit(payload)
		if err != nil {
			return fmt.Errorf("probe %s: %w", ps.probe.ID, err)
		}
		ps.pending[seq] = sub
		return nil
	}

	start := c.clock.Now()
	coeffs, err := c.cfg.Estimator.Estimate(ctx, payload)
	if err != nil {
		c.mu.Lock()
		c.stats.Failures++
		c.mu.Unlock()
		return fmt.Errorf("probe %s: %w", ps.probe.ID, err)
	}
	return c.publish(ctx, ps, sub, coeffs, c.clock.Since(start))
}

// drain publishes finished asynchronous estimates.
func (c *Controller) drain(ctx context.Context, probes []*probeState) []error {
	var errs []error
	for _, ps := range probes {
		if ps.queue == nil {
			continue
		}
		for _, res := range ps.queue.Poll() {
			sub := ps.pending[res.Seq]
			for seq := range ps.pending {
				if seq <= res.Seq {
					delete(ps.pending, seq)
				}
			}
			if res.Err != nil {
				c.mu.Lock()
				c.stats.Failures++
				c.mu.Unlock()
				monitoring.Logf("[controller] probe %s: estimate %d failed: %v", ps.probe.ID, res.Seq, res.Err)
				errs = append(errs, fmt.Errorf("probe %s: %w", ps.probe.ID, res.Err))
				continue
			}
			if err := c.publish(ctx, ps, sub, res.Coefficients, res.Latency); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (c *Controller) publish(ctx context.Context, ps *probeState, sub submission, coeffs sh.Coefficients, latency time.Duration) error {
	c.mu.Lock()
	c.stats.Triggers++
	trigger := c.stats.Triggers
	c.mu.Unlock()

	est := Estimate{
		ProbeID:      ps.probe.ID,
		Position:     ps.probe.Position(),
		BakedProbes:  ps.probe.BakedProbes,
		Coefficients: coeffs,
		Decision:     sub.decision,
		Stats:        sub.stats,
		Forced:       sub.forced,
		Latency:      latency,
		At:           c.clock.Now(),
		Trigger:      trigger,
	}
	monitoring.Logf("[controller] probe %s: estimate #%d (novel %d, changed %d, %d anchors, %v)",
		ps.probe.ID, trigger, sub.decision.Novel, sub.decision.Changed, sub.stats.Encoded, latency)
	if c.cfg.Sink == nil {
		return nil
	}
	if err := c.cfg.Sink.Publish(ctx, est); err != nil {
		return fmt.Errorf("publish probe %s: %w", ps.probe.ID, err)
	}
	return nil
}

// Run ticks on the configured interval until ctx is cancelled or a scan
// cannot be acquired.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := c.Tick(ctx); err != nil {
				if errors.Is(err, ErrAcquire) || errors.Is(err, ErrControllerClosed) {
					return err
				}
				monitoring.Logf("[controller] tick: %v", err)
			}
		}
	}
}

// Close stops accepting work, waits for in-flight estimates until ctx
// expires, publishes what finished and releases every probe and the device.
func (c *Controller) Close(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	probes := c.probes
	c.probes = nil
	c.mu.Unlock()

	var errs []error
	for _, ps := range probes {
		if ps.queue != nil {
			if err := ps.queue.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	errs = append(errs, c.drain(ctx, probes)...)
	c.bufMu.Lock()
	for _, ps := range probes {
		ps.probe.Dispose()
	}
	c.bufMu.Unlock()
	if err := c.dev.Release(); err != nil {
		errs = append(errs, err)
	}
	st := c.Stats()
	monitoring.Logf("[controller] closed after %d ticks, %d scans, %d estimates", st.Ticks, st.Scans, st.Triggers)
	return errors.Join(errs...)
}
