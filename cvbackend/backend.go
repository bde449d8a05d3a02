// Package cvbackend implements vision.Backend on OpenCV through gocv.
//
// Buffers are gocv.Mat values: RGBA frames are CV_8UC4 in R, G, B, A channel
// order and gray frames are CV_8UC1. Point lists cross the boundary as Nx2
// CV_32F matrices.
package cvbackend

import (
	"fmt"
	"image"
	"image/color"
	"sync/atomic"

	"gocv.io/x/gocv"

	"example/camflow/vision"
)

type matBuffer struct {
	mat      gocv.Mat
	format   vision.Format
	released bool
}

func (b *matBuffer) Width() int            { return b.mat.Cols() }
func (b *matBuffer) Height() int           { return b.mat.Rows() }
func (b *matBuffer) Format() vision.Format { return b.format }

// Backend is a vision.Backend over gocv. It is not safe for concurrent use
// on the same buffers; the frame loop drives it from one goroutine.
type Backend struct {
	live atomic.Int64
}

// New returns a Backend.
func New() *Backend {
	return &Backend{}
}

var _ vision.Backend = (*Backend)(nil)

// Live returns the number of Mats allocated and not yet released.
func (b *Backend) Live() int64 {
	return b.live.Load()
}

func backendErr(op string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", vision.ErrBackend, op, fmt.Sprintf(format, args...))
}

func matType(f vision.Format) (gocv.MatType, error) {
	switch f {
	case vision.FormatRGBA:
		return gocv.MatTypeCV8UC4, nil
	case vision.FormatGray:
		return gocv.MatTypeCV8UC1, nil
	}
	return 0, fmt.Errorf("unsupported format %v", f)
}

func unwrap(op string, v vision.Buffer) (*matBuffer, error) {
	b, ok := v.(*matBuffer)
	if !ok || b == nil {
		return nil, backendErr(op, "foreign buffer %T", v)
	}
	if b.released {
		return nil, backendErr(op, "buffer already released")
	}
	return b, nil
}

func unwrapPair(op string, src, dst vision.Buffer) (*matBuffer, *matBuffer, error) {
	s, err := unwrap(op, src)
	if err != nil {
		return nil, nil, err
	}
	d, err := unwrap(op, dst)
	if err != nil {
		return nil, nil, err
	}
	if s.Width() != d.Width() || s.Height() != d.Height() {
		return nil, nil, backendErr(op, "size %dx%d into %dx%d", s.Width(), s.Height(), d.Width(), d.Height())
	}
	return s, d, nil
}

func want(op string, b *matBuffer, f vision.Format) error {
	if b.format != f {
		return backendErr(op, "want %v buffer, got %v", f, b.format)
	}
	return nil
}

func (b *Backend) Allocate(width, height int, format vision.Format) (vision.Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, backendErr("allocate", "invalid size %dx%d", width, height)
	}
	mt, err := matType(format)
	if err != nil {
		return nil, backendErr("allocate", "%v", err)
	}
	mat := gocv.NewMatWithSize(height, width, mt)
	if mat.Empty() {
		mat.Close()
		return nil, backendErr("allocate", "%dx%d %v", width, height, format)
	}
	b.live.Add(1)
	return &matBuffer{mat: mat, format: format}, nil
}

func (b *Backend) Release(v vision.Buffer) error {
	buf, err := unwrap("release", v)
	if err != nil {
		return err
	}
	buf.released = true
	b.live.Add(-1)
	if err := buf.mat.Close(); err != nil {
		return backendErr("release", "%v", err)
	}
	return nil
}

func (b *Backend) Upload(dst vision.Buffer, pix []byte) error {
	d, err := unwrap("upload", dst)
	if err != nil {
		return err
	}
	if n := d.Width() * d.Height() * d.format.Channels(); len(pix) != n {
		return backendErr("upload", "got %d bytes, want %d", len(pix), n)
	}
	mt, _ := matType(d.format)
	src, err := gocv.NewMatFromBytes(d.Height(), d.Width(), mt, pix)
	if err != nil {
		return backendErr("upload", "%v", err)
	}
	defer src.Close()
	src.CopyTo(&d.mat)
	return nil
}

func (b *Backend) Download(src vision.Buffer) ([]byte, error) {
	s, err := unwrap("download", src)
	if err != nil {
		return nil, err
	}
	return s.mat.ToBytes(), nil
}

func (b *Backend) Copy(src, dst vision.Buffer) error {
	s, d, err := unwrapPair("copy", src, dst)
	if err != nil {
		return err
	}
	if s.format != d.format {
		return backendErr("copy", "format %v into %v", s.format, d.format)
	}
	s.mat.CopyTo(&d.mat)
	return nil
}

func (b *Backend) ConvertColor(src, dst vision.Buffer, code vision.ColorConversion) error {
	s, d, err := unwrapPair("convert_color", src, dst)
	if err != nil {
		return err
	}
	switch {
	case code == vision.RGBAToGray && s.format == vision.FormatRGBA && d.format == vision.FormatGray:
		gocv.CvtColor(s.mat, &d.mat, gocv.ColorRGBAToGray)
	case code == vision.GrayToRGBA && s.format == vision.FormatGray && d.format == vision.FormatRGBA:
		gocv.CvtColor(s.mat, &d.mat, gocv.ColorGrayToRGBA)
	default:
		return backendErr("convert_color", "unsupported conversion %d from %v to %v", code, s.format, d.format)
	}
	return nil
}

func (b *Backend) Blur(src, dst vision.Buffer, kernel int, sigma float64) error {
	s, d, err := unwrapPair("blur", src, dst)
	if err != nil {
		return err
	}
	if kernel <= 0 || kernel%2 == 0 {
		return backendErr("blur", "kernel %d must be odd and positive", kernel)
	}
	if s.format != d.format {
		return backendErr("blur", "format %v into %v", s.format, d.format)
	}
	gocv.GaussianBlur(s.mat, &d.mat, image.Pt(kernel, kernel), sigma, sigma, gocv.BorderDefault)
	return nil
}

// EdgeDetect runs Canny. gocv fixes the Sobel aperture at 3, so other
// apertures are rejected.
func (b *Backend) EdgeDetect(src, dst vision.Buffer, p vision.EdgeParams) error {
	s, d, err := unwrapPair("edge_detect", src, dst)
	if err != nil {
		return err
	}
	if err := want("edge_detect", s, vision.FormatGray); err != nil {
		return err
	}
	if err := want("edge_detect", d, vision.FormatGray); err != nil {
		return err
	}
	if p.Aperture != 3 {
		return backendErr("edge_detect", "aperture %d is not supported", p.Aperture)
	}
	gocv.Canny(s.mat, &d.mat, float32(p.Low), float32(p.High))
	return nil
}

func (b *Backend) DetectCorners(src vision.Buffer, p vision.CornerParams) ([]vision.Point, error) {
	s, err := unwrap("detect_corners", src)
	if err != nil {
		return nil, err
	}
	if err := want("detect_corners", s, vision.FormatGray); err != nil {
		return nil, err
	}
	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(s.mat, &corners, p.MaxCorners, p.Quality, p.MinDistance)
	return pointsFromMat(corners), nil
}

func (b *Backend) OpticalFlow(prev, next vision.Buffer, prevPts []vision.Point, p vision.FlowParams) ([]vision.Point, []bool, error) {
	pm, nm, err := unwrapPair("optical_flow", prev, next)
	if err != nil {
		return nil, nil, err
	}
	if err := want("optical_flow", pm, vision.FormatGray); err != nil {
		return nil, nil, err
	}
	if err := want("optical_flow", nm, vision.FormatGray); err != nil {
		return nil, nil, err
	}
	if len(prevPts) == 0 {
		return nil, nil, nil
	}

	from := matFromPoints(prevPts)
	defer from.Close()
	to := gocv.NewMat()
	defer to.Close()
	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, p.MaxIterations, p.Epsilon)
	gocv.CalcOpticalFlowPyrLKWithParams(pm.mat, nm.mat, from, to, &status, &errMat,
		image.Pt(p.WindowSize, p.WindowSize), p.MaxLevel, criteria, 0, 1e-4)

	if to.Rows() != len(prevPts) || status.Rows() != len(prevPts) {
		return nil, nil, backendErr("optical_flow", "got %d points and %d statuses for %d inputs",
			to.Rows(), status.Rows(), len(prevPts))
	}
	nextPts := pointsFromMat(to)
	found := make([]bool, len(prevPts))
	for i := range found {
		found[i] = status.GetUCharAt(i, 0) == 1
	}
	return nextPts, found, nil
}

func (b *Backend) Undistort(src, dst vision.Buffer, camera vision.CameraMatrix, dist vision.Distortion) error {
	s, d, err := unwrapPair("undistort", src, dst)
	if err != nil {
		return err
	}
	if s.format != d.format {
		return backendErr("undistort", "format %v into %v", s.format, d.format)
	}

	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer k.Close()
	for i, v := range camera {
		k.SetDoubleAt(i/3, i%3, v)
	}
	coeffs := gocv.NewMatWithSize(1, len(dist), gocv.MatTypeCV64F)
	defer coeffs.Close()
	for i, v := range dist {
		coeffs.SetDoubleAt(0, i, v)
	}

	gocv.Undistort(s.mat, &d.mat, k, coeffs, k)
	if d.mat.Empty() {
		return backendErr("undistort", "empty result")
	}
	return nil
}

// bgr swaps red and blue: gocv drawing calls take colours in BGR order while
// our frames are RGBA.
func bgr(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.B, G: c.G, B: c.R, A: c.A}
}

func pt(p vision.Point) image.Point {
	return image.Pt(int(p.X+0.5), int(p.Y+0.5))
}

func (b *Backend) DrawCircle(dst vision.Buffer, center vision.Point, radius int, c color.RGBA, thickness int) error {
	d, err := unwrap("draw_circle", dst)
	if err != nil {
		return err
	}
	if err := want("draw_circle", d, vision.FormatRGBA); err != nil {
		return err
	}
	gocv.Circle(&d.mat, pt(center), radius, bgr(c), thickness)
	return nil
}

func (b *Backend) DrawLine(dst vision.Buffer, from, to vision.Point, c color.RGBA, thickness int) error {
	d, err := unwrap("draw_line", dst)
	if err != nil {
		return err
	}
	if err := want("draw_line", d, vision.FormatRGBA); err != nil {
		return err
	}
	gocv.Line(&d.mat, pt(from), pt(to), bgr(c), thickness)
	return nil
}

// pointsFromMat reads an Nx1 two-channel or Nx2 single-channel float matrix.
func pointsFromMat(m gocv.Mat) []vision.Point {
	n := m.Rows()
	if m.Empty() || n == 0 {
		return nil
	}
	pts := make([]vision.Point, n)
	for i := range pts {
		pts[i] = vision.Point{X: m.GetFloatAt(i, 0), Y: m.GetFloatAt(i, 1)}
	}
	return pts
}

func matFromPoints(pts []vision.Point) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV32F)
	for i, p := range pts {
		m.SetFloatAt(i, 0, p.X)
		m.SetFloatAt(i, 1, p.Y)
	}
	return m
}
