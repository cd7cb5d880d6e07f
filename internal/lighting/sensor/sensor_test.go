package sensor

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/lightprobe/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestIntrinsicsRoundTrip(t *testing.T) {
	t.Parallel()
	in := SimulatedIntrinsics()
	parsed, err := ParseIntrinsics(in.String())
	require.NoError(t, err)
	if diff := cmp.Diff(in, parsed); diff != "" {
		t.Errorf("ParseIntrinsics(String()) mismatch (-want +got):\n%s", diff)
	}

	fromArray, err := IntrinsicsFromArray(in.ToArray())
	require.NoError(t, err)
	assert.Equal(t, in, fromArray)
	assert.Len(t, in.Float32s(), 7)
}

func TestParseIntrinsicsErrors(t *testing.T) {
	t.Parallel()
	for _, s := range []string{
		"1,2,3",
		"1,2,3,4,5,256,x",
		"1,2,3,4,5,256.5,192",
		"0,200,200,128,96,256,192",
		"1,0,200,128,96,256,192",
	} {
		_, err := ParseIntrinsics(s)
		assert.Error(t, err, "input %q", s)
	}
	c, err := ParseIntrinsics(" 1, 200, 201, 128, 96, 256, 192 \n")
	require.NoError(t, err)
	assert.Equal(t, [2]float64{200, 201}, c.FocalLength)
}

func TestIntrinsicsRescaled(t *testing.T) {
	t.Parallel()
	native := CameraIntrinsics{DepthScale: 1, FocalLength: [2]float64{1000, 1000}, PrincipalPoint: [2]float64{960, 720}, Width: 1920, Height: 1440}
	got := native.Rescaled(256, 192)
	assert.InDelta(t, 133.333, got.FocalLength[0], 1e-3)
	assert.InDelta(t, 128, got.PrincipalPoint[0], 1e-9)
	assert.InDelta(t, 96, got.PrincipalPoint[1], 1e-9)
	assert.Equal(t, 256, got.Width)
}

func TestDepthDecode(t *testing.T) {
	t.Parallel()
	f := NewDepthImage(4, 2, DepthFloat32)
	f.F32[0] = 1.5
	f.F32[1] = float32(math.NaN())
	f.F32[2] = -1
	decoded, err := DecodeDepth(4, 2, f.Bytes())
	require.NoError(t, err)
	assert.Equal(t, DepthFloat32, decoded.Format)

	v, ok := decoded.Sample(0, 0)
	assert.True(t, ok)
	assert.Equal(t, float32(1.5), v)
	for x := 1; x < 4; x++ {
		_, ok := decoded.Sample(x, 0)
		assert.False(t, ok, "pixel %d should be invalid", x)
	}

	u := NewDepthImage(4, 2, DepthUint16)
	u.U16[0] = 32768
	u.U16[1] = math.MaxUint16
	decoded, err = DecodeDepth(4, 2, u.Bytes())
	require.NoError(t, err)
	assert.Equal(t, DepthUint16, decoded.Format)
	v, ok = decoded.Sample(0, 0)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, v, 1e-4)
	_, ok = decoded.Sample(1, 0)
	assert.False(t, ok, "saturated reading must be invalid")

	_, err = DecodeDepth(4, 2, make([]byte, 5))
	assert.Error(t, err)
	assert.Equal(t, "uint16", DepthUint16.String())
}

func TestColorDecode(t *testing.T) {
	t.Parallel()
	img, err := DecodeColor(2, 1, []byte{255, 0, 51, 0, 0, 0})
	require.NoError(t, err)
	r, g, b := img.RGB(0, 0)
	assert.Equal(t, float32(1), r)
	assert.Equal(t, float32(0), g)
	assert.InDelta(t, 0.2, b, 1e-6)

	_, err = DecodeColor(2, 2, []byte{1})
	assert.Error(t, err)
}

func TestExtrinsic(t *testing.T) {
	t.Parallel()
	// 90° about Y, then translate.
	rot := [3][3]float64{{0, 0, 1}, {0, 1, 0}, {-1, 0, 0}}
	e := ExtrinsicFromPose(rot, r3.Vec{X: 1, Y: 2, Z: 3})
	require.NoError(t, e.Validate())

	// Column-major: translation lives in elements 12..14.
	assert.Equal(t, float32(1), e[12])
	assert.Equal(t, float32(2), e[13])
	assert.Equal(t, float32(3), e[14])

	got := e.Apply(r3.Vec{X: 0, Y: 0, Z: -1})
	assert.InDelta(t, 0, r3.Norm(r3.Sub(got, r3.Vec{X: 0, Y: 2, Z: 3})), 1e-6)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, e.Translation())

	decoded, err := DecodeExtrinsic(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
	_, err = DecodeExtrinsic(make([]byte, 63))
	assert.Error(t, err)

	assert.NoError(t, IdentityExtrinsic().Validate())
}

func TestExtrinsicValidateRejects(t *testing.T) {
	t.Parallel()
	scaled := IdentityExtrinsic()
	scaled[0] = 2
	assert.ErrorContains(t, scaled.Validate(), "determinant")

	projective := IdentityExtrinsic()
	projective[3] = 0.5
	assert.ErrorContains(t, projective.Validate(), "bottom row")

	nan := IdentityExtrinsic()
	nan[7] = float32(math.NaN())
	assert.ErrorContains(t, nan.Validate(), "not finite")
}

func TestScanRelease(t *testing.T) {
	t.Parallel()
	s := &EnvironmentScan{Color: NewColorImage(1, 1), Depth: NewDepthImage(1, 1, DepthFloat32)}
	s.Release()
	assert.True(t, s.Released())
	assert.Nil(t, s.Color)
	assert.Nil(t, s.Depth)
	s.Release()
	var nilScan *EnvironmentScan
	nilScan.Release()
}

type stubProvider struct {
	depthErr, colorErr, extErr error
}

func (s stubProvider) Intrinsics() (CameraIntrinsics, error) { return SimulatedIntrinsics(), nil }
func (s stubProvider) AcquireDepth() (*DepthImage, error) {
	return NewDepthImage(1, 1, DepthFloat32), s.depthErr
}
func (s stubProvider) AcquireColor() (*ColorImage, error) { return NewColorImage(1, 1), s.colorErr }
func (s stubProvider) AcquireExtrinsic() (Extrinsic, error) {
	return IdentityExtrinsic(), s.extErr
}

func TestScannerSkipsUnavailable(t *testing.T) {
	logs := testutil.CaptureLogs(t)
	sc := NewScanner(stubProvider{colorErr: errors.Join(errors.New("camera warming up"), ErrUnavailable)})
	scan, err := sc.Acquire()
	assert.NoError(t, err)
	assert.Nil(t, scan)
	assert.Equal(t, int64(1), sc.Skipped())
	assert.Equal(t, int64(0), sc.Acquired())
	assert.True(t, logs.Contains("[scanner] color unavailable"))
}

func TestScannerPropagatesFatalErrors(t *testing.T) {
	t.Parallel()
	fatal := errors.New("archive entry 3/extrinsic.bytes missing")
	sc := NewScanner(stubProvider{extErr: fatal})
	scan, err := sc.Acquire()
	assert.Nil(t, scan)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, int64(0), sc.Skipped())
}

func TestScannerAcquires(t *testing.T) {
	t.Parallel()
	sc := NewScanner(stubProvider{})
	scan, err := sc.Acquire()
	require.NoError(t, err)
	require.NotNil(t, scan)
	assert.Equal(t, IdentityExtrinsic(), scan.CameraToWorld)
	assert.Equal(t, int64(1), sc.Acquired())
}

func TestSimulatedProviderDeterministic(t *testing.T) {
	t.Parallel()
	a := NewSimulatedProvider(DefaultSimulatedConfig())
	b := NewSimulatedProvider(DefaultSimulatedConfig())

	_, err := a.AcquireColor()
	assert.ErrorIs(t, err, ErrUnavailable)

	for k := 0; k < 3; k++ {
		da, err := a.AcquireDepth()
		require.NoError(t, err)
		db, err := b.AcquireDepth()
		require.NoError(t, err)
		assert.Equal(t, da.U16, db.U16)

		ca, _ := a.AcquireColor()
		cb, _ := b.AcquireColor()
		assert.Equal(t, ca.Pix, cb.Pix)

		ea, _ := a.AcquireExtrinsic()
		require.NoError(t, ea.Validate())
		assert.Equal(t, a.PoseAt(k), ea)
	}
	assert.Equal(t, 3, a.Frame())
}

func TestSimulatedProviderDepthIsPlausible(t *testing.T) {
	t.Parallel()
	cfg := DefaultSimulatedConfig()
	cfg.DepthNoise = 0
	cfg.DropoutRate = 0
	p := NewSimulatedProvider(cfg)
	in, _ := p.Intrinsics()
	d, err := p.AcquireDepth()
	require.NoError(t, err)

	maxRange := math.Sqrt(4*cfg.RoomHalfExtent*cfg.RoomHalfExtent + cfg.RoomHeight*cfg.RoomHeight)
	valid := 0
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			v, ok := d.Sample(x, y)
			if !ok {
				continue
			}
			valid++
			metres := float64(v) * in.DepthScale
			assert.Greater(t, metres, 0.0)
			assert.Less(t, metres, maxRange*2)
		}
	}
	assert.Equal(t, d.Width*d.Height, valid)
}

func TestLiveProvider(t *testing.T) {
	t.Parallel()
	src := &LatestFrame{}
	p := NewLiveProvider(src)

	_, err := p.Intrinsics()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = p.AcquireDepth()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = p.AcquireColor()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = p.AcquireExtrinsic()
	assert.ErrorIs(t, err, ErrUnavailable)

	src.PublishIntrinsics(CameraIntrinsics{DepthScale: 7, FocalLength: [2]float64{1500, 1500}, PrincipalPoint: [2]float64{960, 720}, Width: 1920, Height: 1440})
	src.PublishDepth(NewDepthImage(256, 192, DepthFloat32))
	src.PublishColor(NewColorImage(1920, 1440))
	src.PublishColor(NewColorImage(1920, 1440))
	src.PublishPose(IdentityExtrinsic())
	assert.Equal(t, int64(1), src.Dropped())

	in, err := p.Intrinsics()
	require.NoError(t, err)
	assert.Equal(t, 1.0, in.DepthScale)
	assert.Equal(t, 256, in.Width)
	assert.InDelta(t, 200, in.FocalLength[0], 1e-9)

	_, err = p.AcquireDepth()
	require.NoError(t, err)
	_, err = p.AcquireColor()
	require.NoError(t, err)
	_, err = p.AcquireColor()
	assert.ErrorIs(t, err, ErrUnavailable, "a colour frame is delivered once")

	ext, err := p.AcquireExtrinsic()
	require.NoError(t, err)
	assert.Equal(t, IdentityExtrinsic(), ext)
}
