// Package monitor serves the debug HTTP surface of a running controller:
// status JSON, per-probe anchor buffers, go-echarts views and the history
// store's admin routes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lightprobe/internal/httputil"
	"github.com/banshee-data/lightprobe/internal/lighting/pipeline"
	"github.com/banshee-data/lightprobe/internal/lighting/storage/sqlite"
	"github.com/banshee-data/lightprobe/internal/version"
)

// WebServer exposes a controller over HTTP.
type WebServer struct {
	address string
	ctl     *pipeline.Controller
	store   *sqlite.Store
	server  *http.Server
	mux     *http.ServeMux
}

// WebServerConfig configures NewWebServer. Store is optional; without it the
// history endpoints answer 404.
type WebServerConfig struct {
	Address    string
	Controller *pipeline.Controller
	Store      *sqlite.Store
}

// NewWebServer builds the server and its routes.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Controller == nil {
		return nil, errors.New("monitor: controller is required")
	}
	ws := &WebServer{
		address: cfg.Address,
		ctl:     cfg.Controller,
		store:   cfg.Store,
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.mux = mux
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the route multiplexer.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting monitor on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down monitor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("monitor shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("monitor force close error: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /api/status", ws.handleStatus)
	mux.HandleFunc("GET /api/probes/{probe}/anchors", ws.handleProbeAnchors)
	mux.HandleFunc("POST /api/trigger", ws.handleTrigger)
	mux.HandleFunc("POST /api/state", ws.handleState)
	mux.HandleFunc("GET /api/estimates", ws.handleEstimates)
	mux.HandleFunc("GET /charts/anchors", ws.handleAnchorChart)
	mux.HandleFunc("GET /charts/triggers", ws.handleTriggerChart)
	if ws.store != nil {
		if err := ws.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

type probeStatus struct {
	Index       int        `json:"index"`
	ID          string     `json:"id"`
	Position    [3]float64 `json:"position"`
	BakedProbes []int      `json:"baked_probes"`
	Covered     int        `json:"covered"`
	Committed   int        `json:"committed"`
}

type statusResponse struct {
	State      string        `json:"state"`
	Anchors    int           `json:"anchors"`
	Ticks      int64         `json:"ticks"`
	Scans      int64         `json:"scans"`
	Skipped    int64         `json:"skipped"`
	Fired      int64         `json:"fired"`
	Forced     int64         `json:"forced"`
	Submitted  int64         `json:"submitted"`
	Triggers   int64         `json:"triggers"`
	Failures   int64         `json:"failures"`
	Dropped    int64         `json:"dropped"`
	InFlight   int           `json:"in_flight"`
	LastTick   *time.Time    `json:"last_tick,omitempty"`
	LastTookMS float64       `json:"last_took_ms"`
	Probes     []probeStatus `json:"probes"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := ws.ctl.Stats()
	resp := statusResponse{
		State:      st.State.String(),
		Anchors:    ws.ctl.Sphere().Len(),
		Ticks:      st.Ticks,
		Scans:      st.Scans,
		Skipped:    st.Skipped,
		Fired:      st.Fired,
		Forced:     st.Forced,
		Submitted:  st.Submitted,
		Triggers:   st.Triggers,
		Failures:   st.Failures,
		Dropped:    st.Dropped,
		InFlight:   st.InFlight,
		LastTookMS: float64(st.LastTook) / float64(time.Millisecond),
		Probes:     []probeStatus{},
	}
	if !st.LastTick.IsZero() {
		resp.LastTick = &st.LastTick
	}
	for i, p := range ws.ctl.Probes() {
		pos := p.Position()
		ps := probeStatus{
			Index:       i,
			ID:          p.ID.String(),
			Position:    [3]float64{pos.X, pos.Y, pos.Z},
			BakedProbes: p.BakedProbes,
		}
		if bufs, err := ws.ctl.ProbeBuffers(p.ID); err == nil {
			ps.Covered = bufs.Temporary.Covered()
			ps.Committed = bufs.Persistent.Covered()
		}
		resp.Probes = append(resp.Probes, ps)
	}
	httputil.WriteJSONOK(w, resp)
}

// lookupProbe resolves a placement index or a probe UUID.
func (ws *WebServer) lookupProbe(key string) (*pipeline.LightProbe, error) {
	if i, err := strconv.Atoi(key); err == nil {
		probes := ws.ctl.Probes()
		if i < 0 || i >= len(probes) {
			return nil, fmt.Errorf("probe index %d out of range [0, %d)", i, len(probes))
		}
		return probes[i], nil
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid probe %q", key)
	}
	p, ok := ws.ctl.Probe(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownProbe, id)
	}
	return p, nil
}

type anchorRecord struct {
	Index     int        `json:"index"`
	Direction [3]float64 `json:"direction"`
	RGB       [3]float32 `json:"rgb"`
	Weight    float32    `json:"weight"`
}

// handleProbeAnchors returns one probe buffer. Query params:
//
//	buffer  persistent (default) or temporary
//	covered 1 to list only anchors with evidence
func (ws *WebServer) handleProbeAnchors(w http.ResponseWriter, r *http.Request) {
	p, err := ws.lookupProbe(r.PathValue("probe"))
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	temporary := false
	switch r.URL.Query().Get("buffer") {
	case "", "persistent":
	case "temporary":
		temporary = true
	default:
		httputil.BadRequest(w, "buffer must be persistent or temporary")
		return
	}
	bufs, err := ws.ctl.ProbeBuffers(p.ID)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusGone, err.Error())
		return
	}
	buf := bufs.Persistent
	if temporary {
		buf = bufs.Temporary
	}
	onlyCovered := r.URL.Query().Get("covered") == "1"
	dirs := ws.ctl.Sphere().Directions
	out := make([]anchorRecord, 0, len(buf))
	for i, rec := range buf {
		if onlyCovered && !rec.Covered() {
			continue
		}
		d := dirs[i]
		out = append(out, anchorRecord{
			Index:     i,
			Direction: [3]float64{d.X, d.Y, d.Z},
			RGB:       [3]float32{rec.R, rec.G, rec.B},
			Weight:    rec.W,
		})
	}
	httputil.WriteJSONOK(w, map[string]any{
		"probe":   p.ID.String(),
		"anchors": len(buf),
		"covered": buf.Covered(),
		"records": out,
	})
}

func (ws *WebServer) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	ws.ctl.TriggerNow()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// handleState switches the controller with ?enabled=true|false.
func (ws *WebServer) handleState(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		httputil.BadRequest(w, "enabled must be true or false")
		return
	}
	if enabled {
		ws.ctl.Enable()
	} else {
		ws.ctl.Disable()
	}
	httputil.WriteJSONOK(w, map[string]string{"state": ws.ctl.State().String()})
}

func (ws *WebServer) handleEstimates(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		httputil.NotFound(w, "no history store configured")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 1000 {
			httputil.BadRequest(w, "limit must be in [1, 1000]")
			return
		}
		limit = v
	}
	recs, err := ws.store.RecentEstimates(r.Context(), r.URL.Query().Get("probe"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if recs == nil {
		recs = []sqlite.EstimateRecord{}
	}
	httputil.WriteJSONOK(w, recs)
}
