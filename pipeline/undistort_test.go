package pipeline

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/camflow/framepool"
	"example/camflow/intrinsics"
	"example/camflow/vision"
	"example/camflow/vision/visiontest"
)

const zeroDistortion = `{"fx":800,"fy":800,"cx":320,"cy":240,"k1":0,"k2":0,"p1":0,"p2":0,"k3":0}`

func uploadFrame(t *testing.T, be *visiontest.Backend, s *framepool.Scope, img vision.Image) vision.Buffer {
	t.Helper()
	buf, err := s.Acquire(img.Width, img.Height, vision.FormatRGBA)
	require.NoError(t, err)
	require.NoError(t, be.Upload(buf, img.Pix))
	return buf
}

func TestUndistortWithoutIntrinsicsReturnsSameBuffer(t *testing.T) {
	be := visiontest.New()
	pool := framepool.New(be, zerolog.Nop())
	u := NewUndistorter(be, zerolog.Nop())
	s := pool.Scope()
	defer s.Close()
	in := uploadFrame(t, be, s, visiontest.Checker(8, 8, 2))

	_, ok := intrinsics.Parse("{fx: 800")
	require.False(t, ok, "malformed calibration is absent")

	for name, intr := range map[string]*intrinsics.Intrinsics{
		"absent":   nil,
		"zero fx":  {Fy: 800, Cx: 4, Cy: 4},
		"zero all": {},
	} {
		out, applied, err := u.Apply(s, in, intr)
		require.NoError(t, err, name)
		assert.False(t, applied, name)
		assert.Same(t, in, out, name)
	}
	assert.Zero(t, be.Calls(visiontest.OpUndistort))
	assert.Equal(t, 1, be.Live())
}

func TestUndistortZeroDistortionIsIdentity(t *testing.T) {
	be := visiontest.New()
	pool := framepool.New(be, zerolog.Nop())
	u := NewUndistorter(be, zerolog.Nop())
	s := pool.Scope()
	img := visiontest.Checker(16, 12, 4)
	in := uploadFrame(t, be, s, img)

	intr, ok := intrinsics.Parse(zeroDistortion)
	require.True(t, ok)

	out, applied, err := u.Apply(s, in, &intr)
	require.NoError(t, err)
	require.True(t, applied)
	assert.NotSame(t, in, out)

	pix, err := be.Download(out)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, pix)

	calls := be.Undistorts()
	require.Len(t, calls, 1)
	assert.Equal(t, vision.CameraMatrix{800, 0, 320, 0, 800, 240, 0, 0, 1}, calls[0].Camera)
	assert.Equal(t, vision.Distortion{}, calls[0].Distortion)

	require.NoError(t, s.Close())
	assert.Zero(t, be.Live())
}

func TestUndistortFailureSkipsStage(t *testing.T) {
	be := visiontest.New()
	pool := framepool.New(be, zerolog.Nop())
	u := NewUndistorter(be, zerolog.Nop())
	s := pool.Scope()
	in := uploadFrame(t, be, s, visiontest.Checker(8, 8, 2))
	be.FailOn(visiontest.OpUndistort, nil)

	intr := intrinsics.Intrinsics{Fx: 500, Fy: 500, Cx: 4, Cy: 4, K1: -0.2}
	out, applied, err := u.Apply(s, in, &intr)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Same(t, in, out)
	assert.Equal(t, 1, be.Live(), "the failed target is released at once")

	require.NoError(t, s.Close())
	assert.Zero(t, be.Live())
}

func TestUndistortAllocationFailure(t *testing.T) {
	be := visiontest.New()
	pool := framepool.New(be, zerolog.Nop())
	u := NewUndistorter(be, zerolog.Nop())
	s := pool.Scope()
	in := uploadFrame(t, be, s, visiontest.Checker(8, 8, 2))
	be.FailAllocationAfter(0)

	intr := intrinsics.Intrinsics{Fx: 500, Fy: 500}
	_, _, err := u.Apply(s, in, &intr)
	assert.ErrorIs(t, err, framepool.ErrAllocation)

	require.NoError(t, s.Close())
	assert.Zero(t, be.Live())
}

func TestCalibrationMatrices(t *testing.T) {
	in := intrinsics.Intrinsics{Fx: 1, Fy: 2, Cx: 3, Cy: 4, K1: 5, K2: 6, P1: 7, P2: 8, K3: 9}
	assert.Equal(t, vision.CameraMatrix{1, 0, 3, 0, 2, 4, 0, 0, 1}, CameraMatrix(in))
	assert.Equal(t, vision.Distortion{5, 6, 7, 8, 9}, DistortionVector(in))
}
