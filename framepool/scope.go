package framepool

import (
	"errors"
	"fmt"

	"example/camflow/vision"
)

// Scope owns the buffers acquired while processing one frame. It is not safe
// for concurrent use; the frame loop is single threaded.
type Scope struct {
	pool   *Pool
	owned  []vision.Buffer
	closed bool
}

// Acquire allocates a buffer owned by the scope. Failures wrap ErrAllocation.
func (s *Scope) Acquire(width, height int, format vision.Format) (vision.Buffer, error) {
	if s.closed {
		return nil, ErrClosed
	}
	buf, err := s.pool.acquire(width, height, format)
	if err != nil {
		return nil, err
	}
	s.owned = append(s.owned, buf)
	return buf, nil
}

// Like acquires a buffer with the size and format of buf.
func (s *Scope) Like(buf vision.Buffer) (vision.Buffer, error) {
	return s.Acquire(buf.Width(), buf.Height(), buf.Format())
}

// Release gives buf back before the scope closes.
func (s *Scope) Release(buf vision.Buffer) error {
	if !s.take(buf) {
		return ErrNotOwned
	}
	return s.pool.release(buf)
}

// Retain moves buf out of the scope into the pool slot name. Whatever the
// slot held before is released. If the pool is already closed buf is
// released instead.
func (s *Scope) Retain(name string, buf vision.Buffer) error {
	if !s.take(buf) {
		return ErrNotOwned
	}
	old, closed := s.pool.retain(name, buf)
	if closed {
		return errors.Join(ErrClosed, s.pool.release(buf))
	}
	if old != nil && old != buf {
		if err := s.pool.release(old); err != nil {
			return fmt.Errorf("release superseded %q: %w", name, err)
		}
	}
	return nil
}

// Owns reports whether buf is currently held by the scope.
func (s *Scope) Owns(buf vision.Buffer) bool {
	for _, b := range s.owned {
		if b == buf {
			return true
		}
	}
	return false
}

// Close releases every buffer the scope still owns, newest first. It is
// idempotent.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for i := len(s.owned) - 1; i >= 0; i-- {
		if err := s.pool.release(s.owned[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.owned = nil
	return errors.Join(errs...)
}

func (s *Scope) take(buf vision.Buffer) bool {
	for i, b := range s.owned {
		if b == buf {
			s.owned = append(s.owned[:i], s.owned[i+1:]...)
			return true
		}
	}
	return false
}
