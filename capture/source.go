// Package capture provides frame sources for the pipeline. Sources are pull
// based: Next returns the most recent frame or says why there is none.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"example/camflow/vision"
)

var (
	// ErrNotReady means no frame is available yet. The caller skips the
	// iteration and asks again later.
	ErrNotReady = errors.New("capture: no frame available")
	// ErrClosed means the source has ended and will never produce again.
	ErrClosed = errors.New("capture: source closed")
)

// Source yields raw RGBA frames.
type Source interface {
	Next(ctx context.Context) (vision.Image, error)
}

// Slot holds the newest frame written by a producer goroutine. Writers
// overwrite; readers always see the latest frame. It implements Source.
type Slot struct {
	mu     sync.Mutex
	img    vision.Image
	has    bool
	fresh  bool
	closed bool

	seq       atomic.Uint64
	overwrote atomic.Uint64
}

// Store publishes img as the latest frame, stamping Seq, TraceID and
// Timestamp when they are unset.
func (s *Slot) Store(img vision.Image) {
	if img.Seq == 0 {
		img.Seq = s.seq.Add(1)
	}
	if img.TraceID == "" {
		img.TraceID = uuid.New().String()
	}
	if img.Timestamp.IsZero() {
		img.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.fresh {
		s.overwrote.Add(1)
	}
	s.img, s.has, s.fresh = img, true, true
}

// Next returns the latest frame. Until the first Store it returns
// ErrNotReady; after Close it returns ErrClosed.
func (s *Slot) Next(ctx context.Context) (vision.Image, error) {
	if err := ctx.Err(); err != nil {
		return vision.Image{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return vision.Image{}, ErrClosed
	case !s.has:
		return vision.Image{}, ErrNotReady
	}
	s.fresh = false
	return s.img, nil
}

// Close ends the slot. Later Stores are ignored.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.img = vision.Image{}
	s.has = false
}

// Overwritten returns the number of frames replaced before anyone read them.
func (s *Slot) Overwritten() uint64 {
	return s.overwrote.Load()
}
