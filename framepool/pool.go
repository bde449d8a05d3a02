// Package framepool ties native image buffers to the frame that uses them.
//
// Every buffer comes from a Scope. Closing the scope releases whatever it
// still owns, so a deferred Close covers the error paths too. The only way
// for a buffer to outlive its frame is Scope.Retain, which moves it into a
// named slot on the Pool until it is superseded, forgotten, or the Pool is
// closed.
package framepool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"example/camflow/vision"
)

var (
	// ErrAllocation marks a failed buffer acquisition. The frame that hit it
	// is abandoned; the next frame retries.
	ErrAllocation = errors.New("framepool: allocation failed")
	// ErrClosed is returned when acquiring from a closed pool or scope.
	ErrClosed = errors.New("framepool: closed")
	// ErrNotOwned is returned when a scope is asked to give up a buffer it
	// does not hold.
	ErrNotOwned = errors.New("framepool: buffer not owned by scope")
)

// Allocator is the part of vision.Backend the pool needs.
type Allocator interface {
	Allocate(width, height int, format vision.Format) (vision.Buffer, error)
	Release(buf vision.Buffer) error
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Acquired uint64 `json:"acquired"`
	Released uint64 `json:"released"`
	// Live is Acquired - Released: buffers held by open scopes or retained.
	Live     uint64 `json:"live"`
	Retained int    `json:"retained"`
}

// Pool hands out scopes and keeps named buffers alive across frames.
type Pool struct {
	alloc  Allocator
	logger zerolog.Logger

	mu       sync.Mutex
	retained map[string]vision.Buffer
	acquired uint64
	released uint64
	closed   bool
}

// New returns a Pool backed by alloc.
func New(alloc Allocator, logger zerolog.Logger) *Pool {
	return &Pool{
		alloc:    alloc,
		logger:   logger.With().Str("component", "framepool").Logger(),
		retained: make(map[string]vision.Buffer),
	}
}

// Scope starts a new acquisition scope, normally one per frame.
func (p *Pool) Scope() *Scope {
	return &Scope{pool: p}
}

// Retained returns the buffer kept under name.
func (p *Pool) Retained(name string) (vision.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.retained[name]
	return buf, ok
}

// Forget releases the buffer kept under name, if any.
func (p *Pool) Forget(name string) error {
	p.mu.Lock()
	buf, ok := p.retained[name]
	delete(p.retained, name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.release(buf)
}

// Close releases every retained buffer. Scopes still open keep working until
// they are closed, but cannot acquire.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	bufs := p.retained
	p.retained = make(map[string]vision.Buffer)
	p.mu.Unlock()

	var errs []error
	for name, buf := range bufs {
		if err := p.release(buf); err != nil {
			errs = append(errs, fmt.Errorf("retained %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns the current accounting snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Acquired: p.acquired,
		Released: p.released,
		Live:     p.acquired - p.released,
		Retained: len(p.retained),
	}
}

func (p *Pool) acquire(width, height int, format vision.Format) (vision.Buffer, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	buf, err := p.alloc.Allocate(width, height, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %dx%d %v: %w", ErrAllocation, width, height, format, err)
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: %dx%d %v: allocator returned nil", ErrAllocation, width, height, format)
	}
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()
	return buf, nil
}

func (p *Pool) release(buf vision.Buffer) error {
	if err := p.alloc.Release(buf); err != nil {
		p.logger.Warn().Err(err).Msg("buffer release failed")
		return err
	}
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
	return nil
}

// retain stores buf under name and returns the buffer it replaced.
func (p *Pool) retain(name string, buf vision.Buffer) (old vision.Buffer, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, true
	}
	old = p.retained[name]
	p.retained[name] = buf
	return old, false
}
