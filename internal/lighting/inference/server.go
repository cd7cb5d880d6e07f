package inference

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/httputil"
	"github.com/banshee-data/lightprobe/internal/lighting/anchors"
	"github.com/banshee-data/lightprobe/internal/lighting/codec"
	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/banshee-data/lightprobe/internal/security"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

// DefaultPrefix is where the service mounts its routes.
const DefaultPrefix = "/api/v2"

// Dump file types accepted by the server.
const (
	DumpPointCloudXihe      = "point_cloud_xihe_optimized"
	DumpPointCloudFloat4    = "point_cloud_float4_no_stripe"
	DumpPointCloudFibSphere = "point_cloud_fib_sphere"
	DumpPointCloudRowMajor  = "point_cloud_row_major"
	DumpPointCloudColMajor  = "point_cloud_column_major"
	DumpLog                 = "log"
)

const maxRequestBytes = 8 << 20

// ServerConfig configures the reference estimation service.
type ServerConfig struct {
	Prefix  string
	FS      fsutil.FileSystem
	DumpDir string
	Clock   timeutil.Clock
}

type session struct {
	dirs      []r3.Vec
	created   time.Time
	estimates int
}

// Server is a reference implementation of the estimation service. Instead of
// a learned model it decodes the anchor payload and projects the recovered
// radiance onto band-2 SH over the session's anchor directions.
type Server struct {
	cfg ServerConfig

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	layouts  map[int][]r3.Vec
	dumps    int
}

// NewServer creates a server. A nil FS disables dump storage.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Server{
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*session),
		layouts:  make(map[int][]r3.Vec),
	}
}

// Handler returns the service routes. The session route answers with and
// without a trailing slash.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Attach(mux)
	return mux
}

// Attach registers the service routes on mux.
func (s *Server) Attach(mux *http.ServeMux) {
	p := s.cfg.Prefix
	mux.HandleFunc(p+SessionPath, s.handleSession)
	mux.HandleFunc(p+SessionPath+"/", s.handleSession)
	mux.HandleFunc(p+EstimationPath, s.handleEstimate)
	mux.HandleFunc(p+DumpPath, s.handleDump)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Dumps returns the number of accepted dump uploads.
func (s *Server) Dumps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumps
}

func (s *Server) layout(n int) ([]r3.Vec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dirs, ok := s.layouts[n]; ok {
		return dirs, nil
	}
	dirs, err := anchors.FibonacciSphere(n)
	if err != nil {
		return nil, err
	}
	s.layouts[n] = dirs
	return dirs, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := strconv.Atoi(r.Header.Get(HeaderAnchorSize))
	if err != nil || n < 2 || n > codec.MaxAnchors {
		httputil.BadRequest(w, fmt.Sprintf("%s must be an integer in [2, %d]", HeaderAnchorSize, codec.MaxAnchors))
		return
	}
	dirs, err := s.layout(n)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	sid := uuid.New()
	s.mu.Lock()
	s.sessions[sid] = &session{dirs: dirs, created: s.cfg.Clock.Now()}
	s.mu.Unlock()
	monitoring.Logf("[inference-server] session %s: %d anchors", sid, n)
	httputil.WriteJSONOK(w, map[string]interface{}{"ok": true, "sid": sid.String()})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	sid, err := uuid.Parse(r.Header.Get(HeaderSessionID))
	if err != nil {
		httputil.BadRequest(w, "invalid "+HeaderSessionID)
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	s.mu.Unlock()
	if !ok {
		httputil.NotFound(w, "unknown session")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		httputil.BadRequest(w, "read body: "+err.Error())
		return
	}
	coeffs, err := estimate(sess.dirs, body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.mu.Lock()
	sess.estimates++
	s.mu.Unlock()
	httputil.WriteJSONOK(w, map[string]interface{}{"ok": true, "coefficients": coeffs[:]})
}

// estimate expands the sparse payload to every anchor, leaving omitted
// anchors black, and projects it.
func estimate(dirs []r3.Vec, payload []byte) (sh.Coefficients, error) {
	entries, err := codec.Decode(payload)
	if err != nil {
		return sh.Coefficients{}, err
	}
	buf, err := codec.Expand(entries, len(dirs))
	if err != nil {
		return sh.Coefficients{}, err
	}
	rgb := make([][3]float32, len(buf))
	for i, rec := range buf {
		rgb[i] = [3]float32{rec.R, rec.G, rec.B}
	}
	return sh.Project(dirs, rgb)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	fileType := r.Header.Get(HeaderFileType)
	fileName := r.Header.Get(HeaderFileName)
	if fileType == "" || fileName == "" {
		httputil.BadRequest(w, HeaderFileType+" and "+HeaderFileName+" are required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		httputil.BadRequest(w, "read body: "+err.Error())
		return
	}

	ext := ".bytes"
	switch fileType {
	case DumpPointCloudXihe:
		if _, err := codec.Decode(body); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	case DumpPointCloudFloat4:
		if _, err := codec.DecodeFloat4(body); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	case DumpPointCloudFibSphere, DumpPointCloudRowMajor, DumpPointCloudColMajor:
	case DumpLog:
		ext = ".txt"
		monitoring.Logf("[inference-server] client log %s: %d bytes", fileName, len(body))
	default:
		httputil.BadRequest(w, "unsupported "+HeaderFileType+" "+fileType)
		return
	}
	if h := r.Header.Get(HeaderAnchorSize); h != "" {
		if n, err := strconv.Atoi(h); err != nil || n < 1 {
			httputil.BadRequest(w, "invalid "+HeaderAnchorSize)
			return
		}
	}

	if s.cfg.FS != nil {
		dir := filepath.Join(s.cfg.DumpDir, security.SanitizeEntryName(fileType))
		if err := s.cfg.FS.MkdirAll(dir, 0o755); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if err := writeFile(s.cfg.FS, filepath.Join(dir, security.SanitizeEntryName(fileName)+ext), body); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	s.mu.Lock()
	s.dumps++
	s.mu.Unlock()
	httputil.WriteJSONOK(w, map[string]interface{}{"ok": true})
}

func writeFile(fs fsutil.FileSystem, name string, data []byte) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
