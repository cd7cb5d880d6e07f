package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/pipeline"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/lighting/storage/sqlite"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

type constEstimator struct{}

func (constEstimator) Estimate(context.Context, []byte) (sh.Coefficients, error) {
	var c sh.Coefficients
	c[0] = 1
	return c, nil
}

func newTestServer(t *testing.T, withStore bool) (*WebServer, *pipeline.Controller) {
	t.Helper()
	sphere, err := anchors.NewSphere(anchors.Config{NumAnchors: 256, PoolingNeighbors: 4, PoolingWindow: 8})
	require.NoError(t, err)

	cfg := pipeline.ControllerConfig{
		Sphere:            sphere,
		Provider:          sensor.NewSimulatedProvider(sensor.DefaultSimulatedConfig()),
		Estimator:         constEstimator{},
		Clock:             timeutil.NewMockClock(time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC)),
		Policy:            probebuf.DefaultTriggerPolicy(),
		SparsityThreshold: 0.01,
		Enabled:           true,
		Workers:           2,
	}
	var store *sqlite.Store
	if withStore {
		store, err = sqlite.Open(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		cfg.Sink = pipeline.StoreSink{Store: store}
	}
	ctl, err := pipeline.NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close(context.Background()) })

	ws, err := NewWebServer(WebServerConfig{Address: "127.0.0.1:0", Controller: ctl, Store: store})
	require.NoError(t, err)
	return ws, ctl
}

func do(t *testing.T, ws *WebServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ws, _ := newTestServer(t, false)
	w := do(t, ws, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStatusAndAnchors(t *testing.T) {
	ws, ctl := newTestServer(t, false)
	probe, err := ctl.PlaceProbe(r3.Vec{Y: 1.4}, 0)
	require.NoError(t, err)

	w := do(t, ws, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "enabled", st.State)
	assert.Equal(t, 256, st.Anchors)
	require.Len(t, st.Probes, 1)
	assert.Equal(t, probe.ID.String(), st.Probes[0].ID)
	assert.Zero(t, st.Probes[0].Covered)
	assert.Nil(t, st.LastTick)

	_, err = ctl.Tick(context.Background())
	require.NoError(t, err)

	w = do(t, ws, http.MethodGet, "/api/status")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.Scans)
	assert.Equal(t, int64(1), st.Triggers)
	assert.Greater(t, st.Probes[0].Committed, 0)

	for _, key := range []string{"0", probe.ID.String()} {
		w = do(t, ws, http.MethodGet, "/api/probes/"+key+"/anchors?covered=1")
		require.Equal(t, http.StatusOK, w.Code, key)
		var body struct {
			Anchors int            `json:"anchors"`
			Covered int            `json:"covered"`
			Records []anchorRecord `json:"records"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 256, body.Anchors)
		assert.Len(t, body.Records, body.Covered)
		for _, rec := range body.Records {
			assert.Greater(t, rec.Weight, float32(0))
		}
	}
}

func TestProbeAnchorErrors(t *testing.T) {
	ws, ctl := newTestServer(t, false)
	_, err := ctl.PlaceProbe(r3.Vec{Y: 1.4})
	require.NoError(t, err)

	tests := []struct {
		target string
		code   int
	}{
		{"/api/probes/3/anchors", http.StatusNotFound},
		{"/api/probes/not-a-probe/anchors", http.StatusNotFound},
		{"/api/probes/00000000-0000-0000-0000-000000000000/anchors", http.StatusNotFound},
		{"/api/probes/0/anchors?buffer=other", http.StatusBadRequest},
		{"/api/probes/0/anchors?buffer=temporary", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := do(t, ws, http.MethodGet, tt.target)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestControlEndpoints(t *testing.T) {
	ws, ctl := newTestServer(t, false)

	w := do(t, ws, http.MethodPost, "/api/state?enabled=false")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pipeline.StateDisabled, ctl.State())

	w = do(t, ws, http.MethodPost, "/api/state?enabled=maybe")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, ws, http.MethodPost, "/api/trigger")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, ws, http.MethodGet, "/api/trigger")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHistoryEndpointsNeedStore(t *testing.T) {
	ws, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/api/estimates").Code)
	assert.Equal(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/charts/triggers").Code)
}

func TestHistoryEndpoints(t *testing.T) {
	ws, ctl := newTestServer(t, true)
	_, err := ctl.PlaceProbe(r3.Vec{Y: 1.4})
	require.NoError(t, err)
	_, err = ctl.Tick(context.Background())
	require.NoError(t, err)

	w := do(t, ws, http.MethodGet, "/api/estimates?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []sqlite.EstimateRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, float32(1), recs[0].Coefficients[0])

	assert.Equal(t, http.StatusBadRequest, do(t, ws, http.MethodGet, "/api/estimates?limit=0").Code)

	w = do(t, ws, http.MethodGet, "/charts/triggers?bucket=10s")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, w.Body.String(), "Estimation triggers")
	assert.Equal(t, http.StatusBadRequest, do(t, ws, http.MethodGet, "/charts/triggers?bucket=soon").Code)
}

func TestAnchorChart(t *testing.T) {
	ws, ctl := newTestServer(t, false)
	assert.Equal(t, http.StatusNotFound, do(t, ws, http.MethodGet, "/charts/anchors").Code)

	_, err := ctl.PlaceProbe(r3.Vec{Y: 1.4})
	require.NoError(t, err)
	_, err = ctl.Tick(context.Background())
	require.NoError(t, err)

	w := do(t, ws, http.MethodGet, "/charts/anchors?buffer=temporary")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Anchor coverage")
}

func TestStatusDuringTicks(t *testing.T) {
	ws, ctl := newTestServer(t, false)
	probe, err := ctl.PlaceProbe(r3.Vec{Y: 1.4})
	require.NoError(t, err)
	cp := NewCoveragePlotter()
	require.NoError(t, cp.Start(t.TempDir()))

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if _, err := ctl.Tick(context.Background()); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 50; i++ {
		w := do(t, ws, http.MethodGet, "/api/status")
		require.Equal(t, http.StatusOK, w.Code)
		w = do(t, ws, http.MethodGet, "/api/probes/"+probe.ID.String()+"/anchors?buffer=temporary")
		require.Equal(t, http.StatusOK, w.Code)
		cp.Sample(ctl)
	}
	require.NoError(t, <-done)

	w := do(t, ws, http.MethodGet, "/api/status")
	var st statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Len(t, st.Probes, 1)
	assert.Greater(t, st.Probes[0].Committed, 0)
	assert.Len(t, cp.Samples(probe.ID), 50)
}
