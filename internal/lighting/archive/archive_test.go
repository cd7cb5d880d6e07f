package archive

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lightprobe/internal/fsutil"
	"github.com/banshee-data/lightprobe/internal/lighting/sensor"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

var start = time.Date(2024, time.March, 7, 14, 5, 9, 0, time.Local)

func recordSimulated(t *testing.T, fs fsutil.FileSystem, frames int) (string, *sensor.SimulatedProvider) {
	t.Helper()
	sim := sensor.NewSimulatedProvider(sensor.DefaultSimulatedConfig())
	rec, err := NewRecorder(sim, fs, "recordings", timeutil.NewMockClock(start))
	require.NoError(t, err)
	pose := ObjectPose{Position: r3.Vec{X: 0.5, Y: 1, Z: -2}, Rotation: [4]float64{0, 0.7071, 0, 0.7071}}
	path, err := rec.Start(pose)
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		ok, err := rec.Update()
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, rec.SaveAuxText("cameraTransform", "1,2,3"))
	require.NoError(t, rec.Stop())
	assert.Equal(t, frames, rec.Frames())
	return path, sim
}

func TestRecorderFileName(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	path, _ := recordSimulated(t, fs, 1)
	assert.Equal(t, filepath.Join("recordings", "03_07_2024-14_05_09.zip"), path)
	assert.True(t, fs.Exists(path))

	at, err := StartedAt(path, time.Local)
	require.NoError(t, err)
	assert.True(t, at.Equal(start))
}

func TestRecordReplayRoundTrip(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	path, sim := recordSimulated(t, fs, 10)

	rp, err := OpenReplay(fs, path)
	require.NoError(t, err)
	defer rp.Close()

	assert.Equal(t, 10, rp.Frames())
	assert.Equal(t, 10, rp.Remaining())
	assert.Equal(t, r3.Vec{X: 0.5, Y: 1, Z: -2}, rp.ObjectPose().Position)
	simIn, _ := sim.Intrinsics()
	in, err := rp.Intrinsics()
	require.NoError(t, err)
	if diff := cmp.Diff(simIn, in); diff != "" {
		t.Errorf("intrinsics mismatch (-want +got):\n%s", diff)
	}

	_, err = rp.AcquireColor()
	assert.ErrorIs(t, err, sensor.ErrUnavailable, "colour before any frame is opened")

	for k := 0; k < 10; k++ {
		depth, err := rp.AcquireDepth()
		require.NoError(t, err, "frame %d", k)
		assert.Equal(t, sensor.DepthUint16, depth.Format)
		_, err = rp.AcquireColor()
		require.NoError(t, err)
		ext, err := rp.AcquireExtrinsic()
		require.NoError(t, err)
		assert.Equal(t, sim.PoseAt(k), ext, "frame %d", k)
		assert.Equal(t, k, rp.Current())
	}
	assert.Equal(t, 0, rp.Remaining())

	aux, err := rp.AuxData("cameraTransform.txt")
	require.NoError(t, err)
	assert.Equal(t, "1,2,3", string(aux))
	assert.Equal(t, []string{"cameraTransform.txt"}, rp.AuxNames())

	_, err = rp.AcquireDepth()
	require.ErrorIs(t, err, ErrMissingFrameData)
	assert.Contains(t, err.Error(), "10/depth.bytes")
}

func TestReplayMissingEntryNamesIt(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	write(InfoEntry, MarshalInfo(Info{Pose: IdentityPose(), Intrinsics: sensor.SimulatedIntrinsics()}))
	write("0/color.bytes", make([]byte, sensor.FrameWidth*sensor.FrameHeight*3))
	write("0/depth.bytes", make([]byte, sensor.FrameWidth*sensor.FrameHeight*4))
	require.NoError(t, zw.Close())

	rp, err := NewReplay(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	depth, err := rp.AcquireDepth()
	require.NoError(t, err)
	assert.Equal(t, sensor.DepthFloat32, depth.Format)

	_, err = rp.AcquireExtrinsic()
	require.ErrorIs(t, err, ErrMissingFrameData)
	assert.Contains(t, err.Error(), "0/extrinsic.bytes")

	require.NoError(t, rp.Close())
	_, err = rp.AcquireDepth()
	assert.ErrorIs(t, err, ErrReplayClosed)
}

func TestReplayRequiresInfo(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	require.NoError(t, zw.Close())
	_, err := NewReplay(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	assert.ErrorIs(t, err, ErrMissingFrameData)
}

func TestRecorderLifecycleErrors(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	sim := sensor.NewSimulatedProvider(sensor.DefaultSimulatedConfig())
	rec, err := NewRecorder(sim, fs, "out", timeutil.NewMockClock(start))
	require.NoError(t, err)

	_, err = rec.Update()
	assert.Error(t, err, "update before start")

	_, err = rec.Start(IdentityPose())
	require.NoError(t, err)
	assert.True(t, rec.Recording())
	assert.Error(t, rec.SaveAux("imu", []byte{1}), "aux before any frame")
	assert.Empty(t, fs.Files(), "archive is not visible until stopped")

	require.NoError(t, rec.Stop())
	assert.False(t, rec.Recording())
	assert.ErrorIs(t, rec.Stop(), ErrRecorderClosed)
	_, err = rec.Update()
	assert.ErrorIs(t, err, ErrRecorderClosed)
	assert.ErrorIs(t, rec.SaveAuxText("x", "y"), ErrRecorderClosed)
}

func TestRecorderSanitizesAuxNames(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	sim := sensor.NewSimulatedProvider(sensor.DefaultSimulatedConfig())
	rec, err := NewRecorder(sim, fs, "out", timeutil.NewMockClock(start))
	require.NoError(t, err)
	path, err := rec.Start(IdentityPose())
	require.NoError(t, err)
	_, err = rec.Update()
	require.NoError(t, err)
	require.NoError(t, rec.SaveAux("../../evil name", []byte{7}))
	require.NoError(t, rec.Stop())

	rp, err := OpenReplay(fs, path)
	require.NoError(t, err)
	_, err = rp.AcquireDepth()
	require.NoError(t, err)
	data, err := rp.AuxData("evil_name.bytes")
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, data)
}

func TestParseInfo(t *testing.T) {
	t.Parallel()
	info, err := ParseInfo([]byte("1,2,3\n0,0,0,1\n16.38375,215.302,201.9225,125.9938,96.59644,256,192\n"))
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, info.Pose.Position)
	assert.Equal(t, 256, info.Intrinsics.Width)
	assert.InDelta(t, 215.302, info.Intrinsics.FocalLength[0], 1e-9)

	for _, bad := range []string{
		"1,2,3\n0,0,0,1\n",
		"1,2\n0,0,0,1\n1,1,1,1,1,1,1\n",
		"1,2,3\n0,0,0\n1,1,1,1,1,1,1\n",
		"1,2,3\n0,0,0,1\n1,1,1\n",
	} {
		_, err := ParseInfo([]byte(bad))
		assert.Error(t, err, "%q", bad)
	}
}
