// Package output receives processed frames from the loop and makes them
// viewable: the newest frame for HTTP snapshots and MJPEG streams, or PNG
// files on disk.
package output

import (
	"context"
	"sync"

	"example/camflow/vision"
)

// Latest keeps the most recent frame and wakes anyone waiting for a newer
// one. Delivered pixels are owned by Latest and never modified.
type Latest struct {
	mu      sync.Mutex
	img     vision.Image
	version uint64
	changed chan struct{}
}

// NewLatest returns an empty holder.
func NewLatest() *Latest {
	return &Latest{changed: make(chan struct{})}
}

// Deliver stores img as the newest frame.
func (l *Latest) Deliver(img vision.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.img = img
	l.version++
	close(l.changed)
	l.changed = make(chan struct{})
	return nil
}

// Frame returns the newest frame and its version. Version 0 means nothing
// has been delivered yet.
func (l *Latest) Frame() (vision.Image, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.img, l.version
}

// Wait blocks until a frame newer than version is available.
func (l *Latest) Wait(ctx context.Context, version uint64) (vision.Image, uint64, error) {
	for {
		l.mu.Lock()
		img, v, ch := l.img, l.version, l.changed
		l.mu.Unlock()
		if v > version {
			return img, v, nil
		}
		select {
		case <-ctx.Done():
			return vision.Image{}, version, ctx.Err()
		case <-ch:
		}
	}
}
