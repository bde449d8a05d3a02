// Package visiontest provides an in-memory vision.Backend for tests. It keeps
// exact allocation accounting, detects use-after-release and double release,
// and can be told to fail any operation.
package visiontest

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sync"

	"example/camflow/vision"
)

// Op names a Backend operation for failure injection and call counting.
type Op string

const (
	OpAllocate      Op = "allocate"
	OpUpload        Op = "upload"
	OpDownload      Op = "download"
	OpCopy          Op = "copy"
	OpConvertColor  Op = "convert_color"
	OpBlur          Op = "blur"
	OpEdgeDetect    Op = "edge_detect"
	OpDetectCorners Op = "detect_corners"
	OpOpticalFlow   Op = "optical_flow"
	OpUndistort     Op = "undistort"
	OpDrawCircle    Op = "draw_circle"
	OpDrawLine      Op = "draw_line"
)

// ErrInjected is returned by operations failed through FailOn.
var ErrInjected = errors.New("visiontest: injected failure")

// Buffer is the in-memory buffer handed out by Backend.
type Buffer struct {
	id       int
	w, h     int
	format   vision.Format
	Pix      []byte
	released bool
}

func (b *Buffer) Width() int            { return b.w }
func (b *Buffer) Height() int           { return b.h }
func (b *Buffer) Format() vision.Format { return b.format }

// At returns the channel values of pixel (x, y).
func (b *Buffer) At(x, y int) []byte {
	n := b.format.Channels()
	off := (y*b.w + x) * n
	return b.Pix[off : off+n]
}

// UndistortCall records the matrices passed to Undistort.
type UndistortCall struct {
	Camera     vision.CameraMatrix
	Distortion vision.Distortion
}

// Backend implements vision.Backend in Go memory.
type Backend struct {
	// CornersFunc overrides corner detection when set.
	CornersFunc func(gray *Buffer, p vision.CornerParams) []vision.Point
	// FlowFunc overrides optical flow when set. The default reports every
	// point as tracked at its previous location.
	FlowFunc func(prevPts []vision.Point) ([]vision.Point, []bool)

	mu          sync.Mutex
	nextID      int
	allocated   int
	released    int
	live        map[int]*Buffer
	fail        map[Op]error
	allocBudget int // -1 means unlimited
	calls       map[Op]int
	misuse      []string
	undistorts  []UndistortCall
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		live:        make(map[int]*Buffer),
		fail:        make(map[Op]error),
		calls:       make(map[Op]int),
		allocBudget: -1,
	}
}

var _ vision.Backend = (*Backend)(nil)

// FailOn makes every subsequent call of op fail. A nil err uses ErrInjected.
func (b *Backend) FailOn(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	b.fail[op] = err
}

// FailAllocationAfter lets n more allocations succeed and fails the rest.
func (b *Backend) FailAllocationAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocBudget = n
}

// Heal removes every injected failure.
func (b *Backend) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = make(map[Op]error)
	b.allocBudget = -1
}

// Allocated returns the number of successful allocations.
func (b *Backend) Allocated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated
}

// Released returns the number of successful releases.
func (b *Backend) Released() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Live returns the number of buffers allocated and not yet released.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Calls returns how many times op was invoked, failed calls included.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Misuse lists use-after-release and double-release incidents.
func (b *Backend) Misuse() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.misuse...)
}

// Undistorts returns the recorded Undistort arguments.
func (b *Backend) Undistorts() []UndistortCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]UndistortCall(nil), b.undistorts...)
}

func (b *Backend) enter(op Op) error {
	b.calls[op]++
	if err, ok := b.fail[op]; ok {
		return fmt.Errorf("%w: %s: %w", vision.ErrBackend, op, err)
	}
	return nil
}

func (b *Backend) buffer(op Op, v vision.Buffer) (*Buffer, error) {
	buf, ok := v.(*Buffer)
	if !ok || buf == nil {
		return nil, fmt.Errorf("%w: %s: foreign buffer %T", vision.ErrBackend, op, v)
	}
	if buf.released {
		b.misuse = append(b.misuse, fmt.Sprintf("%s on released buffer %d", op, buf.id))
		return nil, fmt.Errorf("%w: %s: buffer %d already released", vision.ErrBackend, op, buf.id)
	}
	return buf, nil
}

func (b *Backend) Allocate(width, height int, format vision.Format) (vision.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAllocate); err != nil {
		return nil, err
	}
	if b.allocBudget == 0 {
		return nil, fmt.Errorf("%w: allocate: %w", vision.ErrBackend, ErrInjected)
	}
	if b.allocBudget > 0 {
		b.allocBudget--
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: allocate: invalid size %dx%d", vision.ErrBackend, width, height)
	}
	b.nextID++
	buf := &Buffer{
		id:     b.nextID,
		w:      width,
		h:      height,
		format: format,
		Pix:    make([]byte, width*height*format.Channels()),
	}
	b.allocated++
	b.live[buf.id] = buf
	return buf, nil
}

func (b *Backend) Release(v vision.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := v.(*Buffer)
	if !ok || buf == nil {
		return fmt.Errorf("%w: release: foreign buffer %T", vision.ErrBackend, v)
	}
	if buf.released {
		b.misuse = append(b.misuse, fmt.Sprintf("double release of buffer %d", buf.id))
		return fmt.Errorf("%w: release: buffer %d already released", vision.ErrBackend, buf.id)
	}
	buf.released = true
	b.released++
	delete(b.live, buf.id)
	return nil
}

func (b *Backend) Upload(dst vision.Buffer, pix []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpUpload); err != nil {
		return err
	}
	d, err := b.buffer(OpUpload, dst)
	if err != nil {
		return err
	}
	if len(pix) != len(d.Pix) {
		return fmt.Errorf("%w: upload: got %d bytes, want %d", vision.ErrBackend, len(pix), len(d.Pix))
	}
	copy(d.Pix, pix)
	return nil
}

func (b *Backend) Download(src vision.Buffer) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDownload); err != nil {
		return nil, err
	}
	s, err := b.buffer(OpDownload, src)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), s.Pix...), nil
}

func (b *Backend) Copy(src, dst vision.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCopy); err != nil {
		return err
	}
	s, d, err := b.pair(OpCopy, src, dst)
	if err != nil {
		return err
	}
	if s.format != d.format {
		return fmt.Errorf("%w: copy: format %v into %v", vision.ErrBackend, s.format, d.format)
	}
	copy(d.Pix, s.Pix)
	return nil
}

func (b *Backend) pair(op Op, src, dst vision.Buffer) (*Buffer, *Buffer, error) {
	s, err := b.buffer(op, src)
	if err != nil {
		return nil, nil, err
	}
	d, err := b.buffer(op, dst)
	if err != nil {
		return nil, nil, err
	}
	if s.w != d.w || s.h != d.h {
		return nil, nil, fmt.Errorf("%w: %s: size %dx%d into %dx%d", vision.ErrBackend, op, s.w, s.h, d.w, d.h)
	}
	return s, d, nil
}

func (b *Backend) ConvertColor(src, dst vision.Buffer, code vision.ColorConversion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpConvertColor); err != nil {
		return err
	}
	s, d, err := b.pair(OpConvertColor, src, dst)
	if err != nil {
		return err
	}
	n := s.w * s.h
	switch {
	case code == vision.RGBAToGray && s.format == vision.FormatRGBA && d.format == vision.FormatGray:
		for i := 0; i < n; i++ {
			p := s.Pix[i*4 : i*4+3]
			d.Pix[i] = uint8((int(p[0]) + int(p[1]) + int(p[2])) / 3)
		}
	case code == vision.GrayToRGBA && s.format == vision.FormatGray && d.format == vision.FormatRGBA:
		for i := 0; i < n; i++ {
			g := s.Pix[i]
			copy(d.Pix[i*4:i*4+4], []byte{g, g, g, 255})
		}
	default:
		return fmt.Errorf("%w: convert_color: unsupported %d from %v to %v", vision.ErrBackend, code, s.format, d.format)
	}
	return nil
}

// Blur copies src into dst; tests only need the call sequence.
func (b *Backend) Blur(src, dst vision.Buffer, kernel int, sigma float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpBlur); err != nil {
		return err
	}
	s, d, err := b.pair(OpBlur, src, dst)
	if err != nil {
		return err
	}
	if kernel <= 0 || kernel%2 == 0 {
		return fmt.Errorf("%w: blur: kernel %d must be odd and positive", vision.ErrBackend, kernel)
	}
	copy(d.Pix, s.Pix)
	return nil
}

// EdgeDetect marks a pixel 255 when it differs from its left or upper
// neighbour by more than p.Low.
func (b *Backend) EdgeDetect(src, dst vision.Buffer, p vision.EdgeParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpEdgeDetect); err != nil {
		return err
	}
	s, d, err := b.pair(OpEdgeDetect, src, dst)
	if err != nil {
		return err
	}
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			d.Pix[y*s.w+x] = 0
			if gradient(s, x, y) > p.Low {
				d.Pix[y*s.w+x] = 255
			}
		}
	}
	return nil
}

func gradient(s *Buffer, x, y int) float64 {
	v := float64(s.Pix[y*s.w+x])
	var g float64
	if x > 0 {
		g = math.Max(g, math.Abs(v-float64(s.Pix[y*s.w+x-1])))
	}
	if y > 0 {
		g = math.Max(g, math.Abs(v-float64(s.Pix[(y-1)*s.w+x])))
	}
	return g
}

// DetectCorners reports pixels with a non-zero gradient, honouring
// MaxCorners and MinDistance. A uniform image yields no points.
func (b *Backend) DetectCorners(src vision.Buffer, p vision.CornerParams) ([]vision.Point, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDetectCorners); err != nil {
		return nil, err
	}
	s, err := b.buffer(OpDetectCorners, src)
	if err != nil {
		return nil, err
	}
	if s.format != vision.FormatGray {
		return nil, fmt.Errorf("%w: detect_corners: want gray input, got %v", vision.ErrBackend, s.format)
	}
	if b.CornersFunc != nil {
		return b.CornersFunc(s, p), nil
	}
	var pts []vision.Point
	for y := 0; y < s.h && len(pts) < p.MaxCorners; y++ {
		for x := 0; x < s.w && len(pts) < p.MaxCorners; x++ {
			if gradient(s, x, y) == 0 {
				continue
			}
			cand := vision.Point{X: float32(x), Y: float32(y)}
			if tooClose(pts, cand, p.MinDistance) {
				continue
			}
			pts = append(pts, cand)
		}
	}
	return pts, nil
}

func tooClose(pts []vision.Point, c vision.Point, minDist float64) bool {
	for _, q := range pts {
		dx, dy := float64(q.X-c.X), float64(q.Y-c.Y)
		if math.Hypot(dx, dy) < minDist {
			return true
		}
	}
	return false
}

func (b *Backend) OpticalFlow(prev, next vision.Buffer, prevPts []vision.Point, p vision.FlowParams) ([]vision.Point, []bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpOpticalFlow); err != nil {
		return nil, nil, err
	}
	if _, _, err := b.pair(OpOpticalFlow, prev, next); err != nil {
		return nil, nil, err
	}
	if p.WindowSize <= 0 || p.MaxLevel < 0 {
		return nil, nil, fmt.Errorf("%w: optical_flow: bad params %+v", vision.ErrBackend, p)
	}
	if b.FlowFunc != nil {
		pts, status := b.FlowFunc(prevPts)
		return pts, status, nil
	}
	pts := append([]vision.Point(nil), prevPts...)
	status := make([]bool, len(prevPts))
	for i := range status {
		status[i] = true
	}
	return pts, status, nil
}

// Undistort records its arguments and copies src into dst.
func (b *Backend) Undistort(src, dst vision.Buffer, camera vision.CameraMatrix, dist vision.Distortion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpUndistort); err != nil {
		return err
	}
	s, d, err := b.pair(OpUndistort, src, dst)
	if err != nil {
		return err
	}
	b.undistorts = append(b.undistorts, UndistortCall{Camera: camera, Distortion: dist})
	copy(d.Pix, s.Pix)
	return nil
}

// DrawCircle paints the centre pixel.
func (b *Backend) DrawCircle(dst vision.Buffer, center vision.Point, radius int, c color.RGBA, thickness int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDrawCircle); err != nil {
		return err
	}
	d, err := b.buffer(OpDrawCircle, dst)
	if err != nil {
		return err
	}
	paint(d, center, c)
	return nil
}

// DrawLine paints the end pixel.
func (b *Backend) DrawLine(dst vision.Buffer, from, to vision.Point, c color.RGBA, thickness int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDrawLine); err != nil {
		return err
	}
	d, err := b.buffer(OpDrawLine, dst)
	if err != nil {
		return err
	}
	paint(d, to, c)
	return nil
}

func paint(d *Buffer, p vision.Point, c color.RGBA) {
	x, y := int(p.X), int(p.Y)
	if x < 0 || y < 0 || x >= d.w || y >= d.h || d.format != vision.FormatRGBA {
		return
	}
	copy(d.At(x, y), []byte{c.R, c.G, c.B, c.A})
}
