// Package inference talks to the lighting estimation service: a session per
// anchor layout, one estimate per encoded probe buffer, and best-effort
// diagnostic dumps. It also provides the single-flight queue that keeps the
// network round trip off the tick loop, and a reference server.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lightprobe/internal/httputil"
	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

// Routes relative to the service base URL.
const (
	SessionPath    = "/session"
	EstimationPath = "/lighting-estimation/"
	DumpPath       = "/dump/"
)

// Request headers.
const (
	HeaderAnchorSize = "Anchor-Size"
	HeaderSessionID  = "Session-ID"
	HeaderFileName   = "File-Name"
	HeaderFileType   = "File-Type"
)

// ErrEstimationFailed covers non-2xx responses and ok=false replies.
var ErrEstimationFailed = errors.New("estimation failed")

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Estimator turns an encoded anchor buffer into SH coefficients.
type Estimator interface {
	Estimate(ctx context.Context, payload []byte) (sh.Coefficients, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, for example http://host:8550/api/v2.
	BaseURL    string
	AnchorSize int
	// MaxRetries bounds extra attempts after a transport error or 5xx. Zero
	// disables retry.
	MaxRetries int
	// BaseDelay is the first backoff; it doubles per retry.
	BaseDelay time.Duration
	Clock     timeutil.Clock
}

// Client is a session-scoped connection to the estimation service.
type Client struct {
	http  httputil.HTTPClient
	cfg   Config
	clock timeutil.Clock

	mu  sync.Mutex
	sid string
}

// NewClient creates a client. The session is opened lazily on the first
// Estimate unless OpenSession is called first.
func NewClient(hc httputil.HTTPClient, cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Client{http: hc, cfg: cfg, clock: clock}
}

// SessionID returns the current session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

type sessionResponse struct {
	OK    bool   `json:"ok"`
	SID   string `json:"sid"`
	Error string `json:"error,omitempty"`
}

type estimationResponse struct {
	OK           bool      `json:"ok"`
	Coefficients []float32 `json:"coefficients"`
	Error        string    `json:"error,omitempty"`
}

// OpenSession registers the anchor layout with the service and stores the
// returned session id.
func (c *Client) OpenSession(ctx context.Context) (string, error) {
	header := http.Header{}
	header.Set(HeaderAnchorSize, strconv.Itoa(c.cfg.AnchorSize))
	body, err := c.post(ctx, SessionPath, header, nil)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("open session: decode response: %w", err)
	}
	if !resp.OK {
		return "", fmt.Errorf("open session: %w: %s", ErrEstimationFailed, resp.Error)
	}
	if _, err := uuid.Parse(resp.SID); err != nil {
		return "", fmt.Errorf("open session: invalid session id %q: %w", resp.SID, err)
	}
	c.mu.Lock()
	c.sid = resp.SID
	c.mu.Unlock()
	monitoring.Logf("[inference] session %s opened for %d anchors", resp.SID, c.cfg.AnchorSize)
	return resp.SID, nil
}

// Estimate sends an encoded anchor buffer and returns the 27 coefficients.
func (c *Client) Estimate(ctx context.Context, payload []byte) (sh.Coefficients, error) {
	sid := c.SessionID()
	if sid == "" {
		var err error
		if sid, err = c.OpenSession(ctx); err != nil {
			return sh.Coefficients{}, err
		}
	}
	header := http.Header{}
	header.Set(HeaderSessionID, sid)
	header.Set("Content-Type", "application/octet-stream")

	start := c.clock.Now()
	body, err := c.post(ctx, EstimationPath, header, payload)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			// The service no longer knows the session; the next call reopens it.
			c.forgetSession(sid)
		}
		return sh.Coefficients{}, fmt.Errorf("estimate: %w", err)
	}
	var resp estimationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return sh.Coefficients{}, fmt.Errorf("estimate: decode response: %w", err)
	}
	if !resp.OK {
		return sh.Coefficients{}, fmt.Errorf("estimate: %w: %s", ErrEstimationFailed, resp.Error)
	}
	coeffs, err := sh.FromSlice(resp.Coefficients)
	if err != nil {
		return sh.Coefficients{}, fmt.Errorf("estimate: %w", err)
	}
	monitoring.Debugf("[inference] estimate: %d bytes in %v", len(payload), c.clock.Since(start))
	return coeffs, nil
}

func (c *Client) forgetSession(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sid == sid {
		c.sid = ""
		monitoring.Logf("[inference] session %s rejected by service; will reopen", sid)
	}
}

// DumpRequest is a diagnostic upload. AnchorSize is sent only when positive.
type DumpRequest struct {
	FileName   string
	FileType   string
	AnchorSize int
	Body       []byte
}

// Dump uploads diagnostic data. It is never retried.
func (c *Client) Dump(ctx context.Context, req DumpRequest) error {
	header := http.Header{}
	header.Set(HeaderFileName, req.FileName)
	header.Set(HeaderFileType, req.FileType)
	if req.AnchorSize > 0 {
		header.Set(HeaderAnchorSize, strconv.Itoa(req.AnchorSize))
	}
	if _, err := c.do(ctx, DumpPath, header, req.Body); err != nil {
		return fmt.Errorf("dump %s: %w", req.FileName, err)
	}
	return nil
}

// DumpAsync runs Dump in the background and only logs failures.
func (c *Client) DumpAsync(ctx context.Context, req DumpRequest) {
	go func() {
		if err := c.Dump(context.WithoutCancel(ctx), req); err != nil {
			monitoring.Logf("[inference] %v", err)
		}
	}()
}

// post sends with bounded retry on transport errors and 5xx responses.
func (c *Client) post(ctx context.Context, path string, header http.Header, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BaseDelay << (attempt - 1)
			monitoring.Logf("[inference] %s attempt %d failed: %v; retrying in %v", path, attempt, lastErr, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, path, header, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error { return ErrEstimationFailed }

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

func (c *Client) do(ctx context.Context, path string, header http.Header, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
