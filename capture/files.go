package capture

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example/camflow/vision"
)

// Files plays a list of still images as a stream, one per Next call. All
// frames must share the size of the first one.
type Files struct {
	paths []string
	loop  bool
	start time.Time
	// Interval spaces the synthetic timestamps.
	Interval time.Duration

	mu     sync.Mutex
	next   int
	width  int
	height int
}

// NewFiles returns a source over paths. With loop set the sequence restarts
// after the last file instead of ending with ErrClosed.
func NewFiles(paths []string, loop bool) (*Files, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("capture: no input files")
	}
	return &Files{
		paths:    append([]string(nil), paths...),
		loop:     loop,
		start:    time.Now(),
		Interval: time.Second / 30,
	}, nil
}

// Glob expands pattern and returns the matches in lexical order.
func Glob(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("capture: bad pattern %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("capture: %q matches no files", pattern)
	}
	sort.Strings(paths)
	return paths, nil
}

// Len returns the number of files in the sequence.
func (f *Files) Len() int {
	return len(f.paths)
}

func (f *Files) Next(ctx context.Context) (vision.Image, error) {
	if err := ctx.Err(); err != nil {
		return vision.Image{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.paths) {
		if !f.loop {
			return vision.Image{}, ErrClosed
		}
		f.next = 0
	}
	i := f.next
	f.next++

	img, err := LoadImage(f.paths[i])
	if err != nil {
		return vision.Image{}, err
	}
	if f.width == 0 {
		f.width, f.height = img.Width, img.Height
	} else if img.Width != f.width || img.Height != f.height {
		return vision.Image{}, fmt.Errorf("capture: %s is %dx%d, sequence is %dx%d",
			f.paths[i], img.Width, img.Height, f.width, f.height)
	}
	img.Seq = uint64(i + 1)
	img.Timestamp = f.start.Add(time.Duration(i) * f.Interval)
	img.TraceID = uuid.New().String()
	return img, nil
}

// LoadImage decodes a PNG or JPEG file into an RGBA frame.
func LoadImage(path string) (vision.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return vision.Image{}, err
	}
	defer file.Close()

	src, _, err := image.Decode(file)
	if err != nil {
		return vision.Image{}, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	bounds := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)
	}
	return vision.FromRGBA(rgba, time.Time{}), nil
}
