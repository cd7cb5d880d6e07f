package inference

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/httputil"
	"github.com/banshee-data/lightprobe/internal/lighting/codec"
	"github.com/banshee-data/lightprobe/internal/lighting/probebuf"
	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/testutil"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

const testSID = "5f0c8a59-2c4e-4d8e-9a39-2b7d0f3c1e11"

func newMockClient(mock *httputil.MockHTTPClient, retries int) (*Client, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	return NewClient(mock, Config{
		BaseURL:    "http://svc/api/v2/",
		AnchorSize: 1280,
		MaxRetries: retries,
		BaseDelay:  100 * time.Millisecond,
		Clock:      clock,
	}), clock
}

func coefficientsJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "0.5"
	}
	return `{"ok":true,"coefficients":[` + strings.Join(parts, ",") + `]}`
}

func TestClientOpenSessionRequest(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`)
	c, _ := newMockClient(mock, 0)

	sid, err := c.OpenSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testSID, sid)
	assert.Equal(t, testSID, c.SessionID())

	req := mock.Request(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v2/session", req.Path)
	assert.Equal(t, "1280", req.Header.Get(HeaderAnchorSize))
	assert.Empty(t, req.Body)
}

func TestClientOpenSessionFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		is     error
	}{
		{"not ok", 200, `{"ok":false,"error":"full"}`, ErrEstimationFailed},
		{"bad sid", 200, `{"ok":true,"sid":"not-a-uuid"}`, nil},
		{"server error", 503, `{"ok":false}`, ErrEstimationFailed},
		{"garbage", 200, `<html>`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newMockClient(httputil.NewMockHTTPClient().AddResponse(tt.status, tt.body), 0)
			_, err := c.OpenSession(context.Background())
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.Empty(t, c.SessionID())
		})
	}
}

func TestClientEstimateOpensSessionLazily(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddResponse(200, coefficientsJSON(27))
	c, _ := newMockClient(mock, 0)

	coeffs, err := c.Estimate(context.Background(), []byte{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), coeffs[26])

	require.Equal(t, 2, mock.RequestCount())
	req := mock.Request(1)
	assert.Equal(t, "/api/v2/lighting-estimation/", req.Path)
	assert.Equal(t, testSID, req.Header.Get(HeaderSessionID))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, req.Body)
}

func TestClientEstimateRejectsWrongCoefficientCount(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddResponse(200, coefficientsJSON(26))
	c, _ := newMockClient(mock, 0)
	_, err := c.Estimate(context.Background(), nil)
	assert.ErrorContains(t, err, "expected 27")
}

func TestClientEstimateNotOK(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddResponse(200, `{"ok":false,"error":"model not loaded"}`)
	c, _ := newMockClient(mock, 0)
	_, err := c.Estimate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEstimationFailed)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestClientRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddErrorResponse(errors.New("connection reset")).
		AddResponse(502, "bad gateway").
		AddResponse(200, coefficientsJSON(27))
	c, clock := newMockClient(mock, 2)

	_, err := c.Estimate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, mock.RequestCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.Waits())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddResponse(404, `{"ok":false,"error":"unknown session"}`)
	c, clock := newMockClient(mock, 3)
	_, err := c.Estimate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEstimationFailed)
	assert.Equal(t, 2, mock.RequestCount())
	assert.Empty(t, clock.Waits())
}

func TestClientNoRetryByDefault(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddErrorResponse(errors.New("timeout"))
	c, _ := newMockClient(mock, 0)
	_, err := c.Estimate(context.Background(), nil)
	assert.ErrorContains(t, err, "timeout")
	assert.Equal(t, 2, mock.RequestCount())
}

func TestClientReopensForgottenSession(t *testing.T) {
	t.Parallel()
	const secondSID = "0b7f5a3e-8d2c-4f61-b9a0-6e1c2d3f4a5b"
	mock := httputil.NewMockHTTPClient().
		AddResponse(200, `{"ok":true,"sid":"`+testSID+`"}`).
		AddResponse(404, `{"ok":false,"error":"unknown session"}`).
		AddResponse(200, `{"ok":true,"sid":"`+secondSID+`"}`).
		AddResponse(200, coefficientsJSON(27))
	c, _ := newMockClient(mock, 0)

	_, err := c.Estimate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEstimationFailed)
	assert.Empty(t, c.SessionID(), "a 404 drops the session")

	_, err = c.Estimate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, secondSID, c.SessionID())
	require.Equal(t, 4, mock.RequestCount())
	assert.Equal(t, secondSID, mock.Request(3).Header.Get(HeaderSessionID))
}

// cancellingDoer fails every request and cancels the caller's context, so the
// client is left waiting out a retry delay.
type cancellingDoer struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	d.cancel()
	return nil, errors.New("connection reset")
}

func TestClientBackoffStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doer := &cancellingDoer{cancel: cancel}
	c := NewClient(doer, Config{
		BaseURL:    "http://svc/api/v2/",
		AnchorSize: 1280,
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		Clock:      timeutil.RealClock{},
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.OpenSession(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry backoff ignored context cancellation")
	}
	assert.Equal(t, 1, doer.calls)
}

func TestClientDumpHeaders(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient()
	c, _ := newMockClient(mock, 0)

	require.NoError(t, c.Dump(context.Background(), DumpRequest{FileName: "probe0", FileType: DumpPointCloudFloat4, AnchorSize: 1280, Body: []byte{9}}))
	require.NoError(t, c.Dump(context.Background(), DumpRequest{FileName: "client", FileType: DumpLog}))

	first := mock.Request(0)
	assert.Equal(t, "/api/v2/dump/", first.Path)
	assert.Equal(t, "probe0", first.Header.Get(HeaderFileName))
	assert.Equal(t, DumpPointCloudFloat4, first.Header.Get(HeaderFileType))
	assert.Equal(t, "1280", first.Header.Get(HeaderAnchorSize))
	assert.Empty(t, mock.Request(1).Header.Values(HeaderAnchorSize))
}

func TestClientAgainstReferenceServer(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	const n = 2048
	c := NewClient(httputil.NewStandardClient(5*time.Second), Config{BaseURL: ts.URL + DefaultPrefix, AnchorSize: n})
	sid, err := c.OpenSession(context.Background())
	require.NoError(t, err)
	_, err = uuid.Parse(sid)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Sessions())

	buf := probebuf.New(n)
	for i := range buf {
		buf[i] = probebuf.Record{R: 1, G: 0.2, B: 0.2, W: 1}
	}
	payload, _, err := codec.Encode(buf, codec.DefaultSparsityThreshold)
	require.NoError(t, err)

	coeffs, err := c.Estimate(context.Background(), payload)
	require.NoError(t, err)
	dc := 4 * math.Pi * 0.282095
	assert.InDelta(t, dc, coeffs.At(0, 0), 0.01)
	assert.InDelta(t, dc*51/255, coeffs.At(1, 0), 0.01)
	for b := 1; b < sh.NumBasis; b++ {
		assert.InDelta(t, 0, coeffs.At(0, b), 0.02, "basis %d", b)
	}
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	srv := NewServer(ServerConfig{FS: fs, DumpDir: "dumps"})
	h := srv.Handler()

	do := func(method, path string, header map[string]string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for _, path := range []string{"/api/v2/session", "/api/v2/session/"} {
		rec := do(http.MethodPost, path, map[string]string{HeaderAnchorSize: "64"}, "")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		assert.Contains(t, rec.Body.String(), `"sid"`)
	}
	assert.Equal(t, 2, srv.Sessions())

	testutil.AssertStatusCode(t, do(http.MethodGet, "/api/v2/session", nil, "").Code, http.StatusMethodNotAllowed)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/api/v2/session", map[string]string{HeaderAnchorSize: "1"}, "").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/api/v2/lighting-estimation/", map[string]string{HeaderSessionID: "nope"}, "").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/api/v2/lighting-estimation/", map[string]string{HeaderSessionID: testSID}, "").Code, http.StatusNotFound)

	rec := do(http.MethodPost, "/api/v2/dump/", map[string]string{HeaderFileName: "../probe 0", HeaderFileType: DumpPointCloudXihe, HeaderAnchorSize: "64"}, "1234567")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, []string{"dumps/point_cloud_xihe_optimized/probe_0.bytes"}, fs.Files())

	testutil.AssertStatusCode(t, do(http.MethodPost, "/api/v2/dump/", map[string]string{HeaderFileName: "x", HeaderFileType: DumpPointCloudXihe}, "123").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/api/v2/dump/", map[string]string{HeaderFileName: "x", HeaderFileType: "ar-video"}, "").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/api/v2/dump/", map[string]string{HeaderFileType: DumpLog}, "").Code, http.StatusBadRequest)
	assert.Equal(t, 1, srv.Dumps())
}

func TestServerRejectsOutOfRangeAnchor(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	c := NewClient(ts.Client(), Config{BaseURL: ts.URL + DefaultPrefix, AnchorSize: 4})

	// anchor 9 of a 4-anchor session
	_, err := c.Estimate(context.Background(), []byte{9, 0, 255, 255, 255, 0, 60})
	assert.ErrorIs(t, err, ErrEstimationFailed)
}

type gateEstimator struct {
	started chan []byte
	release chan struct{}
}

func newGate() *gateEstimator {
	return &gateEstimator{started: make(chan []byte, 16), release: make(chan struct{})}
}

func (g *gateEstimator) Estimate(ctx context.Context, payload []byte) (sh.Coefficients, error) {
	g.started <- payload
	select {
	case <-g.release:
		return sh.Coefficients{float32(payload[0])}, nil
	case <-ctx.Done():
		return sh.Coefficients{}, ctx.Err()
	}
}

func TestQueueSingleFlightWithCoalescing(t *testing.T) {
	t.Parallel()
	gate := newGate()
	q := NewQueue(gate, nil)

	seq1, err := q.Submit([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, <-gate.started)
	assert.True(t, q.Busy())

	_, err = q.TrySubmit([]byte{9})
	assert.ErrorIs(t, err, ErrBusy)

	_, err = q.Submit([]byte{2})
	require.NoError(t, err)
	seq3, err := q.Submit([]byte{3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Empty(t, q.Poll(), "nothing finished yet")

	gate.release <- struct{}{}
	assert.Equal(t, []byte{3}, <-gate.started, "latest pending payload runs next")
	gate.release <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))

	results := q.Poll()
	require.Len(t, results, 2)
	assert.Equal(t, seq1, results[0].Seq)
	assert.Equal(t, float32(1), results[0].Coefficients[0])
	assert.Equal(t, seq3, results[1].Seq)
	assert.Equal(t, float32(3), results[1].Coefficients[0])
	assert.Equal(t, int64(2), q.Finished())
	assert.False(t, q.Busy())
	assert.Len(t, gate.started, 0)
}

func TestQueueCloseCancelsStuckRequest(t *testing.T) {
	t.Parallel()
	gate := newGate()
	q := NewQueue(gate, nil)
	_, err := q.Submit([]byte{1})
	require.NoError(t, err)
	<-gate.started
	_, err = q.Submit([]byte{2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	results := q.Poll()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Equal(t, int64(1), q.Dropped(), "pending payload discarded on close")

	_, err = q.Submit([]byte{3})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.NoError(t, q.Close(context.Background()))
}
