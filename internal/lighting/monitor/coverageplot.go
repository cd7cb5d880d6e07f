package monitor

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/pipeline"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
)

// CoveragePlotter records per-probe coverage over a run and renders PNG
// plots once it ends. Sample is called once per tick.
type CoveragePlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string

	samples map[uuid.UUID][]CoverageSample
	// last persistent buffer seen per probe, for the anchor map
	last  map[uuid.UUID]probebuf.Buffer
	order []uuid.UUID
	tick  int
}

// CoverageSample is one probe's state at one tick.
type CoverageSample struct {
	Tick      int
	Covered   int
	Temporary int
	Triggers  int64
}

// NewCoveragePlotter creates an idle plotter.
func NewCoveragePlotter() *CoveragePlotter {
	return &CoveragePlotter{
		samples: make(map[uuid.UUID][]CoverageSample),
		last:    make(map[uuid.UUID]probebuf.Buffer),
	}
}

// Start begins a new recording into outputDir.
func (cp *CoveragePlotter) Start(outputDir string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	cp.outputDir = outputDir
	cp.enabled = true
	cp.tick = 0
	cp.order = nil
	cp.samples = make(map[uuid.UUID][]CoverageSample)
	cp.last = make(map[uuid.UUID]probebuf.Buffer)
	return nil
}

// Stop disables sampling. Call GeneratePlots to write the output files.
func (cp *CoveragePlotter) Stop() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.enabled = false
}

// IsEnabled reports whether the plotter is recording.
func (cp *CoveragePlotter) IsEnabled() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.enabled
}

// Sample captures the coverage of every live probe.
func (cp *CoveragePlotter) Sample(ctl *pipeline.Controller) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.enabled || ctl == nil {
		return
	}
	triggers := ctl.Stats().Triggers
	for _, p := range ctl.Probes() {
		bufs, err := ctl.ProbeBuffers(p.ID)
		if err != nil {
			continue
		}
		persist, temp := bufs.Persistent, bufs.Temporary
		if _, ok := cp.samples[p.ID]; !ok {
			cp.order = append(cp.order, p.ID)
		}
		cp.samples[p.ID] = append(cp.samples[p.ID], CoverageSample{
			Tick:      cp.tick,
			Covered:   persist.Covered(),
			Temporary: temp.Covered(),
			Triggers:  triggers,
		})
		cp.last[p.ID] = persist
	}
	cp.tick++
}

// Samples returns a copy of the series recorded for a probe.
func (cp *CoveragePlotter) Samples(id uuid.UUID) []CoverageSample {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]CoverageSample(nil), cp.samples[id]...)
}

// GeneratePlots writes coverage.png plus one anchor map per probe and
// returns the number of files written.
func (cp *CoveragePlotter) GeneratePlots(sphere *anchors.Sphere) (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.outputDir == "" {
		return 0, fmt.Errorf("plotter was never started")
	}
	if len(cp.order) == 0 {
		return 0, nil
	}

	written := 0
	if err := cp.coveragePlot(); err != nil {
		return written, err
	}
	written++

	if sphere == nil {
		return written, nil
	}
	for i, id := range cp.order {
		if err := cp.anchorMap(i, id, sphere); err != nil {
			return written, fmt.Errorf("probe %s: %w", id, err)
		}
		written++
	}
	return written, nil
}

func (cp *CoveragePlotter) coveragePlot() error {
	p := plot.New()
	p.Title.Text = "Persistent anchor coverage"
	p.X.Label.Text = "Tick"
	p.Y.Label.Text = "Covered anchors"

	colors := generateColors(len(cp.order))
	for i, id := range cp.order {
		series := cp.samples[id]
		pts := make(plotter.XYs, len(series))
		for j, s := range series {
			pts[j] = plotter.XY{X: float64(s.Tick), Y: float64(s.Covered)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("probe %d", i), line)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10

	file := filepath.Join(cp.outputDir, "coverage.png")
	if err := p.Save(12*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("save coverage plot: %w", err)
	}
	return nil
}

// anchorMap draws the last persistent buffer on an azimuth/elevation grid.
// Covered anchors take their own colour; empty ones are small grey dots.
func (cp *CoveragePlotter) anchorMap(idx int, id uuid.UUID, sphere *anchors.Sphere) error {
	buf := cp.last[id]
	if len(buf) != sphere.Len() {
		return fmt.Errorf("buffer has %d records for %d anchors", len(buf), sphere.Len())
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Probe %d anchors (%d/%d covered)", idx, buf.Covered(), len(buf))
	p.X.Label.Text = "Azimuth (deg)"
	p.Y.Label.Text = "Elevation (deg)"
	p.X.Min, p.X.Max = -180, 180
	p.Y.Min, p.Y.Max = -90, 90

	pts := make(plotter.XYs, len(buf))
	for i, d := range sphere.Directions {
		s := anchors.ToSpherical(d)
		pts[i] = plotter.XY{X: s.Azimuth * 180 / math.Pi, Y: 90 - s.Colatitude*180/math.Pi}
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		rec := buf[i]
		if !rec.Covered() {
			return draw.GlyphStyle{Color: color.Gray{Y: 90}, Radius: vg.Points(1), Shape: draw.CircleGlyph{}}
		}
		return draw.GlyphStyle{Color: recordColor(rec), Radius: vg.Points(3), Shape: draw.CircleGlyph{}}
	}
	p.Add(sc)

	file := filepath.Join(cp.outputDir, fmt.Sprintf("probe_%02d_anchors.png", idx))
	if err := p.Save(12*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save anchor map: %w", err)
	}
	return nil
}

func recordColor(r probebuf.Record) color.Color {
	clamp := func(v float32) uint8 {
		if v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	return color.RGBA{R: clamp(r.R), G: clamp(r.G), B: clamp(r.B), A: 255}
}

// generateColors spreads n hues around the colour wheel.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := range colors {
		h := float64(i) / float64(n)
		r, g, b := hsvToRGB(h, 0.8, 0.9)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := int(h * 6)
	f := h*6 - float64(i)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return uint8(r * 255), uint8(g * 255), uint8(b * 255)
}
