// Package archive records sensor sessions to zip archives and replays them
// as a DataProvider.
//
// Layout: one entry group per 0-based frame k (k/color.bytes, k/depth.bytes,
// k/extrinsic.bytes, optional k/<name>.bytes or k/<name>.txt) and an info.txt
// at the root holding the object position, object rotation and camera
// intrinsics, one comma-separated line each.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
)

// InfoEntry is the root metadata entry.
const InfoEntry = "info.txt"

// FileNameLayout names new recordings by local start time.
const FileNameLayout = "01_02_2006-15_04_05"

var (
	// ErrMissingFrameData is returned when a replayed frame lacks an entry.
	ErrMissingFrameData = errors.New("missing frame data")
	ErrRecorderClosed   = errors.New("recorder closed")
	ErrReplayClosed     = errors.New("replay closed")
)

// ObjectPose is the pose of the tracked object the session was recorded
// around. Rotation is a quaternion (x, y, z, w).
type ObjectPose struct {
	Position r3.Vec
	Rotation [4]float64
}

// IdentityPose is an object at the origin with no rotation.
func IdentityPose() ObjectPose {
	return ObjectPose{Rotation: [4]float64{0, 0, 0, 1}}
}

// Info is the parsed info.txt.
type Info struct {
	Pose       ObjectPose
	Intrinsics sensor.CameraIntrinsics
}

func frameEntry(k int, name string) string {
	return strconv.Itoa(k) + "/" + name
}

func formatFloats(v ...float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func parseFloats(line string, want int) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != want {
		return nil, fmt.Errorf("want %d values, got %d", want, len(fields))
	}
	out := make([]float64, want)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// MarshalInfo renders info.txt.
func MarshalInfo(info Info) []byte {
	p, r := info.Pose.Position, info.Pose.Rotation
	var b bytes.Buffer
	b.WriteString(formatFloats(p.X, p.Y, p.Z))
	b.WriteByte('\n')
	b.WriteString(formatFloats(r[0], r[1], r[2], r[3]))
	b.WriteByte('\n')
	b.WriteString(info.Intrinsics.String())
	b.WriteByte('\n')
	return b.Bytes()
}

// ParseInfo reads info.txt.
func ParseInfo(data []byte) (Info, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return Info{}, err
	}
	if len(lines) < 3 {
		return Info{}, fmt.Errorf("%s: want 3 lines, got %d", InfoEntry, len(lines))
	}
	pos, err := parseFloats(lines[0], 3)
	if err != nil {
		return Info{}, fmt.Errorf("%s position: %w", InfoEntry, err)
	}
	rot, err := parseFloats(lines[1], 4)
	if err != nil {
		return Info{}, fmt.Errorf("%s rotation: %w", InfoEntry, err)
	}
	in, err := sensor.ParseIntrinsics(lines[2])
	if err != nil {
		return Info{}, fmt.Errorf("%s intrinsics: %w", InfoEntry, err)
	}
	return Info{
		Pose: ObjectPose{
			Position: r3.Vec{X: pos[0], Y: pos[1], Z: pos[2]},
			Rotation: [4]float64{rot[0], rot[1], rot[2], rot[3]},
		},
		Intrinsics: in,
	}, nil
}
