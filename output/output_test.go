package output

import (
	"bytes"
	"context"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/camflow/vision"
	"example/camflow/vision/visiontest"
)

func TestLatestKeepsNewestFrame(t *testing.T) {
	l := NewLatest()
	_, v := l.Frame()
	assert.Zero(t, v)

	require.NoError(t, l.Deliver(visiontest.Solid(2, 2, color.RGBA{R: 1, A: 255})))
	require.NoError(t, l.Deliver(visiontest.Solid(2, 2, color.RGBA{R: 2, A: 255})))
	img, v := l.Frame()
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, byte(2), img.Pix[0])

	assert.Error(t, l.Deliver(vision.Image{Width: 2, Height: 2}), "invalid frames are refused")
	_, v = l.Frame()
	assert.Equal(t, uint64(2), v)
}

func TestLatestWait(t *testing.T) {
	l := NewLatest()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan uint64, 1)
	go func() {
		_, v, err := l.Wait(ctx, 0)
		if err == nil {
			got <- v
		}
	}()
	require.NoError(t, l.Deliver(visiontest.Solid(1, 1, color.RGBA{A: 255})))
	select {
	case v := <-got:
		assert.Equal(t, uint64(1), v)
	case <-ctx.Done():
		t.Fatal("Wait did not wake up")
	}

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	_, _, err := l.Wait(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEncodePNG(t *testing.T) {
	img := visiontest.Checker(8, 6, 2)
	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, img))

	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 8, decoded.Bounds().Dx())
	r, g, b, _ := decoded.At(2, 0).RGBA()
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})
}

func TestMJPEGStream(t *testing.T) {
	l := NewLatest()
	pr, pw := io.Pipe()
	flushes := 0
	m := NewMJPEG(pw, 0, func() { flushes++ })

	mediaType, params, err := mime.ParseMediaType(m.ContentType())
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Stream(ctx, l)
		pw.Close()
	}()

	require.NoError(t, l.Deliver(visiontest.Solid(16, 16, color.RGBA{R: 200, G: 10, B: 10, A: 255})))
	mr := multipart.NewReader(pr, params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, flushes)
}

func TestDirWritesNumberedFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	d, err := NewDir(dir)
	require.NoError(t, err)

	img := visiontest.Checker(4, 4, 1)
	img.Seq = 7
	require.NoError(t, d.Deliver(img))
	assert.Equal(t, uint64(1), d.Written())

	f, err := os.Open(filepath.Join(dir, "frame_00007.png"))
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dy())
}
