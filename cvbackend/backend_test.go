package cvbackend

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/camflow/vision"
	"example/camflow/vision/visiontest"
)

func upload(t *testing.T, b *Backend, img vision.Image) vision.Buffer {
	t.Helper()
	buf, err := b.Allocate(img.Width, img.Height, vision.FormatRGBA)
	require.NoError(t, err)
	require.NoError(t, b.Upload(buf, img.Pix))
	return buf
}

func gray(t *testing.T, b *Backend, src vision.Buffer) vision.Buffer {
	t.Helper()
	g, err := b.Allocate(src.Width(), src.Height(), vision.FormatGray)
	require.NoError(t, err)
	require.NoError(t, b.ConvertColor(src, g, vision.RGBAToGray))
	return g
}

func release(t *testing.T, b *Backend, bufs ...vision.Buffer) {
	t.Helper()
	for _, buf := range bufs {
		require.NoError(t, b.Release(buf))
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	b := New()
	img := visiontest.Checker(40, 30, 5)
	buf := upload(t, b, img)
	assert.Equal(t, 40, buf.Width())
	assert.Equal(t, 30, buf.Height())

	pix, err := b.Download(buf)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, pix)

	release(t, b, buf)
	assert.Zero(t, b.Live())
	assert.ErrorIs(t, b.Release(buf), vision.ErrBackend, "double release is refused")
	_, err = b.Download(buf)
	assert.ErrorIs(t, err, vision.ErrBackend)
}

func TestUploadRejectsWrongLength(t *testing.T) {
	b := New()
	buf, err := b.Allocate(4, 4, vision.FormatRGBA)
	require.NoError(t, err)
	defer release(t, b, buf)
	assert.ErrorIs(t, b.Upload(buf, make([]byte, 10)), vision.ErrBackend)
}

func TestGrayRoundTripKeepsNeutralTones(t *testing.T) {
	b := New()
	img := visiontest.Solid(8, 8, color.RGBA{R: 77, G: 77, B: 77, A: 255})
	src := upload(t, b, img)
	g := gray(t, b, src)
	out, err := b.Allocate(8, 8, vision.FormatRGBA)
	require.NoError(t, err)
	defer release(t, b, src, g, out)

	require.NoError(t, b.ConvertColor(g, out, vision.GrayToRGBA))
	pix, err := b.Download(out)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, pix)

	assert.ErrorIs(t, b.ConvertColor(src, out, vision.RGBAToGray), vision.ErrBackend)
}

func TestCornersAndFlow(t *testing.T) {
	b := New()
	src := upload(t, b, visiontest.Checker(64, 64, 16))
	g := gray(t, b, src)
	defer release(t, b, src, g)

	pts, err := b.DetectCorners(g, vision.CornerParams{MaxCorners: 100, Quality: 0.01, MinDistance: 8})
	require.NoError(t, err)
	require.NotEmpty(t, pts)
	assert.LessOrEqual(t, len(pts), 100)

	next, status, err := b.OpticalFlow(g, g, pts, vision.FlowParams{WindowSize: 21, MaxLevel: 3, MaxIterations: 20, Epsilon: 0.03})
	require.NoError(t, err)
	require.Len(t, next, len(pts))
	require.Len(t, status, len(pts))
	for i := range pts {
		if !status[i] {
			continue
		}
		assert.InDelta(t, pts[i].X, next[i].X, 0.5)
		assert.InDelta(t, pts[i].Y, next[i].Y, 0.5)
	}
}

func TestCornersOnUniformFrame(t *testing.T) {
	b := New()
	src := upload(t, b, visiontest.Solid(32, 32, color.RGBA{R: 10, G: 200, B: 30, A: 255}))
	g := gray(t, b, src)
	defer release(t, b, src, g)

	pts, err := b.DetectCorners(g, vision.CornerParams{MaxCorners: 500, Quality: 0.01, MinDistance: 8})
	require.NoError(t, err)
	assert.Empty(t, pts)
}

func TestCannyFindsCellBorders(t *testing.T) {
	b := New()
	src := upload(t, b, visiontest.Checker(64, 64, 16))
	g := gray(t, b, src)
	edges, err := b.Allocate(64, 64, vision.FormatGray)
	require.NoError(t, err)
	defer release(t, b, src, g, edges)

	require.NoError(t, b.Blur(g, edges, 5, 1.2))
	require.NoError(t, b.EdgeDetect(edges, g, vision.EdgeParams{Low: 80, High: 150, Aperture: 3}))
	pix, err := b.Download(g)
	require.NoError(t, err)

	var on int
	for _, v := range pix {
		if v == 255 {
			on++
		}
	}
	assert.Positive(t, on)
	assert.Less(t, on, len(pix)/2)
	assert.Zero(t, pix[8*64+8], "cell interior has no edge")

	assert.ErrorIs(t, b.EdgeDetect(edges, g, vision.EdgeParams{Low: 80, High: 150, Aperture: 5}), vision.ErrBackend)
	assert.ErrorIs(t, b.Blur(g, edges, 4, 1), vision.ErrBackend)
}

func TestUndistortWithZeroDistortionIsNearIdentity(t *testing.T) {
	b := New()
	img := visiontest.Checker(64, 48, 8)
	src := upload(t, b, img)
	dst, err := b.Allocate(64, 48, vision.FormatRGBA)
	require.NoError(t, err)
	defer release(t, b, src, dst)

	camera := vision.CameraMatrix{800, 0, 32, 0, 800, 24, 0, 0, 1}
	require.NoError(t, b.Undistort(src, dst, camera, vision.Distortion{}))
	pix, err := b.Download(dst)
	require.NoError(t, err)

	var differ int
	for i := range pix {
		if d := int(pix[i]) - int(img.Pix[i]); d > 1 || d < -1 {
			differ++
		}
	}
	assert.Zero(t, differ)
}

func TestDrawingUsesRGBAOrder(t *testing.T) {
	b := New()
	dst := upload(t, b, visiontest.Solid(20, 20, color.RGBA{A: 255}))
	defer release(t, b, dst)

	red := color.RGBA{R: 255, A: 255}
	require.NoError(t, b.DrawCircle(dst, vision.Point{X: 10, Y: 10}, 3, red, vision.Filled))
	require.NoError(t, b.DrawLine(dst, vision.Point{X: 0, Y: 2}, vision.Point{X: 19, Y: 2}, color.RGBA{B: 255, A: 255}, 1))

	pix, err := b.Download(dst)
	require.NoError(t, err)
	at := func(x, y int) []byte {
		off := (y*20 + x) * 4
		return pix[off : off+4]
	}
	assert.Equal(t, []byte{255, 0, 0, 255}, at(10, 10))
	assert.Equal(t, []byte{0, 0, 255, 255}, at(5, 2))
	assert.Equal(t, []byte{0, 0, 0, 255}, at(0, 19))

	g := gray(t, b, dst)
	defer release(t, b, g)
	assert.ErrorIs(t, b.DrawCircle(g, vision.Point{}, 1, red, 1), vision.ErrBackend)
}
