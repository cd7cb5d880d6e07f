package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lightprobe/internal/httputil"
	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

func writeChart(w http.ResponseWriter, page *components.Page) {
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleAnchorChart plots a probe buffer on an equirectangular map of the
// anchor sphere: azimuth against elevation, coloured by luminance.
// Query params:
//   - probe (optional; index or UUID, default 0)
//   - buffer (optional; persistent or temporary)
func (ws *WebServer) handleAnchorChart(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("probe")
	if key == "" {
		key = "0"
	}
	p, err := ws.lookupProbe(key)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	bufs, err := ws.ctl.ProbeBuffers(p.ID)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusGone, err.Error())
		return
	}
	buf := bufs.Persistent
	if r.URL.Query().Get("buffer") == "temporary" {
		buf = bufs.Temporary
	}

	dirs := ws.ctl.Sphere().Directions
	covered := make([]opts.ScatterData, 0, buf.Covered())
	empty := make([]opts.ScatterData, 0, len(buf)-buf.Covered())
	for i, rec := range buf {
		s := anchors.ToSpherical(dirs[i])
		az := s.Azimuth * 180 / math.Pi
		el := 90 - s.Colatitude*180/math.Pi
		if !rec.Covered() {
			empty = append(empty, opts.ScatterData{Value: []interface{}{az, el, 0}})
			continue
		}
		lum := 0.2126*rec.R + 0.7152*rec.G + 0.0722*rec.B
		covered = append(covered, opts.ScatterData{Value: []interface{}{az, el, lum}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Light probe anchors", Theme: "dark", Width: "1200px", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Anchor coverage", Subtitle: fmt.Sprintf("probe=%s covered=%d/%d", p.ID, len(covered), len(buf))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -180, Max: 180, Name: "Azimuth (deg)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -90, Max: 90, Name: "Elevation (deg)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("covered", covered, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	scatter.AddSeries("empty", empty, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#555555"}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(scatter)
	writeChart(w, page)
}

// handleTriggerChart renders estimates per time bucket from the history
// store. Query params:
//   - bucket (optional; duration, default 1m)
//   - limit (optional; bucket count, default 60)
func (ws *WebServer) handleTriggerChart(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		httputil.NotFound(w, "no history store configured")
		return
	}
	bucket := time.Minute
	if b := r.URL.Query().Get("bucket"); b != "" {
		d, err := time.ParseDuration(b)
		if err != nil || d < time.Second {
			httputil.BadRequest(w, "bucket must be a duration of at least 1s")
			return
		}
		bucket = d
	}
	limit := 60
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1440 {
			limit = v
		}
	}
	history, err := ws.store.TriggerHistory(r.Context(), bucket, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	x := make([]string, len(history))
	novel := make([]opts.BarData, len(history))
	changed := make([]opts.BarData, len(history))
	forced := make([]opts.BarData, len(history))
	for i, b := range history {
		x[i] = b.Start.Format("15:04:05")
		novel[i] = opts.BarData{Value: b.Novel}
		changed[i] = opts.BarData{Value: b.Changed}
		forced[i] = opts.BarData{Value: b.Forced}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Estimation triggers", Width: "100%", Height: "560px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Estimation triggers", Subtitle: fmt.Sprintf("bucket=%v buckets=%d", bucket, len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("novel anchors", novel).
		AddSeries("changed anchors", changed).
		AddSeries("forced", forced)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)
	writeChart(w, page)
}
