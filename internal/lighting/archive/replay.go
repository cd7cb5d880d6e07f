package archive

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
)

// Replay serves a recorded archive as a DataProvider. Each AcquireDepth
// advances to the next frame, starting at 0; colour, extrinsic and aux reads
// refer to that frame.
type Replay struct {
	info    Info
	entries map[string]*zip.File
	frames  int

	mu      sync.Mutex
	next    int
	current int
	closed  bool
}

// OpenReplay loads an archive through fs.
func OpenReplay(fs fsutil.FileSystem, path string) (*Replay, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	r, err := NewReplay(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", path, err)
	}
	return r, nil
}

// NewReplay reads an archive from ra.
func NewReplay(ra io.ReaderAt, size int64) (*Replay, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, err
	}
	r := &Replay{entries: make(map[string]*zip.File, len(zr.File)), current: -1}
	for _, f := range zr.File {
		r.entries[f.Name] = f
		if strings.HasSuffix(f.Name, "/color.bytes") {
			r.frames++
		}
	}
	raw, err := r.read(InfoEntry)
	if err != nil {
		return nil, err
	}
	if r.info, err = ParseInfo(raw); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replay) read(name string) ([]byte, error) {
	f, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingFrameData, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", name, err)
	}
	return data, nil
}

// readFrame reads an entry of the current frame.
func (r *Replay) readFrame(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrReplayClosed
	}
	if r.current < 0 {
		return nil, fmt.Errorf("no frame opened: %w", sensor.ErrUnavailable)
	}
	return r.read(frameEntry(r.current, name))
}

// Info returns the parsed info.txt.
func (r *Replay) Info() Info { return r.info }

// ObjectPose returns the recorded object pose.
func (r *Replay) ObjectPose() ObjectPose { return r.info.Pose }

// Frames returns the number of frames in the archive.
func (r *Replay) Frames() int { return r.frames }

// Remaining returns the number of frames not yet opened.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames - r.next
}

// Current returns the index of the open frame, or -1.
func (r *Replay) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Replay) Intrinsics() (sensor.CameraIntrinsics, error) {
	return r.info.Intrinsics, nil
}

// AcquireDepth opens the next frame and decodes its depth map. Running past
// the last frame fails with ErrMissingFrameData.
func (r *Replay) AcquireDepth() (*sensor.DepthImage, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReplayClosed
	}
	r.current = r.next
	r.next++
	r.mu.Unlock()

	data, err := r.readFrame("depth.bytes")
	if err != nil {
		return nil, err
	}
	return sensor.DecodeDepth(sensor.FrameWidth, sensor.FrameHeight, data)
}

func (r *Replay) AcquireColor() (*sensor.ColorImage, error) {
	data, err := r.readFrame("color.bytes")
	if err != nil {
		return nil, err
	}
	return sensor.DecodeColor(sensor.FrameWidth, sensor.FrameHeight, data)
}

func (r *Replay) AcquireExtrinsic() (sensor.Extrinsic, error) {
	data, err := r.readFrame("extrinsic.bytes")
	if err != nil {
		return sensor.Extrinsic{}, err
	}
	return sensor.DecodeExtrinsic(data)
}

// AuxData returns an auxiliary entry of the current frame by its full name,
// for example "cameraTransform.txt".
func (r *Replay) AuxData(name string) ([]byte, error) {
	return r.readFrame(name)
}

// AuxNames lists the auxiliary entries recorded with the current frame.
func (r *Replay) AuxNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current < 0 {
		return nil
	}
	prefix := strconv.Itoa(r.current) + "/"
	var out []string
	for name := range r.entries {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		switch rest {
		case "color.bytes", "depth.bytes", "extrinsic.bytes":
			continue
		}
		out = append(out, rest)
	}
	slices.Sort(out)
	return out
}

// Close releases the archive. Further reads fail with ErrReplayClosed.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.entries = nil
	return nil
}
