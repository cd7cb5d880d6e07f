package archive

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/monitoring"
	"github.com/banshee-data/lightprobe/internal/security"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

// Recorder writes scans from a DataProvider into a new archive. It owns its
// own Scanner, so recording does not disturb a controller reading from a
// different provider.
type Recorder struct {
	fs         fsutil.FileSystem
	dir        string
	clock      timeutil.Clock
	scanner    *sensor.Scanner
	intrinsics sensor.CameraIntrinsics

	mu     sync.Mutex
	file   io.WriteCloser
	zw     *zip.Writer
	path   string
	frames int
	closed bool
}

// NewRecorder prepares a recorder that will write into dir.
func NewRecorder(p sensor.DataProvider, fs fsutil.FileSystem, dir string, clock timeutil.Clock) (*Recorder, error) {
	in, err := p.Intrinsics()
	if err != nil {
		return nil, fmt.Errorf("recorder intrinsics: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{fs: fs, dir: dir, clock: clock, scanner: sensor.NewScanner(p), intrinsics: in}, nil
}

// Start creates the archive and writes info.txt. It returns the archive path.
func (r *Recorder) Start(pose ObjectPose) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zw != nil {
		return "", fmt.Errorf("recorder already started: %s", r.path)
	}
	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(r.dir, r.clock.Now().Format(FileNameLayout)+".zip")
	f, err := r.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	r.file, r.zw, r.path = f, zip.NewWriter(f), path
	r.frames, r.closed = 0, false

	if err := r.writeEntry(InfoEntry, MarshalInfo(Info{Pose: pose, Intrinsics: r.intrinsics}), zip.Store); err != nil {
		return "", err
	}
	monitoring.Logf("[archive] recording to %s", path)
	return path, nil
}

// Path returns the archive being written.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Frames returns the number of frames written.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Recording reports whether Start has been called and Stop has not.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zw != nil && !r.closed
}

func (r *Recorder) live() error {
	if r.closed {
		return ErrRecorderClosed
	}
	if r.zw == nil {
		return fmt.Errorf("recorder not started")
	}
	return nil
}

func (r *Recorder) writeEntry(name string, data []byte, method uint16) error {
	w, err := r.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Update acquires one scan and appends it as the next frame. It reports
// false when the provider had nothing this tick.
func (r *Recorder) Update() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(); err != nil {
		return false, err
	}
	scan, err := r.scanner.Acquire()
	if err != nil {
		return false, err
	}
	if scan == nil {
		return false, nil
	}
	defer scan.Release()
	return true, r.writeFrame(scan)
}

// WriteFrame appends an already acquired scan.
func (r *Recorder) WriteFrame(scan *sensor.EnvironmentScan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(); err != nil {
		return err
	}
	return r.writeFrame(scan)
}

func (r *Recorder) writeFrame(scan *sensor.EnvironmentScan) error {
	if scan.Released() {
		return fmt.Errorf("write frame %d: scan already released", r.frames)
	}
	k := r.frames
	if err := r.writeEntry(frameEntry(k, "color.bytes"), scan.Color.Pix, zip.Deflate); err != nil {
		return err
	}
	if err := r.writeEntry(frameEntry(k, "depth.bytes"), scan.Depth.Bytes(), zip.Deflate); err != nil {
		return err
	}
	if err := r.writeEntry(frameEntry(k, "extrinsic.bytes"), scan.CameraToWorld.Bytes(), zip.Deflate); err != nil {
		return err
	}
	r.frames++
	monitoring.Debugf("[archive] wrote frame %d", k)
	return nil
}

func (r *Recorder) auxEntry(name, ext string) (string, error) {
	if err := r.live(); err != nil {
		return "", err
	}
	if r.frames == 0 {
		return "", fmt.Errorf("aux %s: no frame recorded yet", name)
	}
	return frameEntry(r.frames-1, security.SanitizeEntryName(name)+ext), nil
}

// SaveAux attaches binary data to the most recent frame as <name>.bytes.
func (r *Recorder) SaveAux(name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.auxEntry(name, ".bytes")
	if err != nil {
		return err
	}
	return r.writeEntry(entry, data, zip.Deflate)
}

// SaveAuxText attaches text to the most recent frame as <name>.txt.
func (r *Recorder) SaveAuxText(name, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.auxEntry(name, ".txt")
	if err != nil {
		return err
	}
	return r.writeEntry(entry, []byte(text), zip.Deflate)
}

// Stop finalises the archive. Stopping twice returns ErrRecorderClosed.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(); err != nil {
		return err
	}
	r.closed = true
	zerr := r.zw.Close()
	ferr := r.file.Close()
	if zerr != nil {
		return fmt.Errorf("finalise archive %s: %w", r.path, zerr)
	}
	if ferr != nil {
		return fmt.Errorf("close archive %s: %w", r.path, ferr)
	}
	monitoring.Logf("[archive] stopped %s after %d frames", r.path, r.frames)
	return nil
}

// StartedAt parses the start time encoded in an archive file name.
func StartedAt(path string, loc *time.Location) (time.Time, error) {
	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]
	return time.ParseInLocation(FileNameLayout, base, loc)
}
