package capture

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"example/camflow/vision"
)

// Opener acquires a source. It may block, for instance while a device
// initialises.
type Opener func(ctx context.Context) (Source, error)

// Switch is a Source whose backing source can be rebound while the loop keeps
// pulling from it. Until a source is bound Next returns ErrNotReady.
type Switch struct {
	logger zerolog.Logger

	mu     sync.Mutex
	cur    Source
	closed bool
	wg     sync.WaitGroup
}

// NewSwitch returns an unbound Switch.
func NewSwitch(logger zerolog.Logger) *Switch {
	return &Switch{logger: logger.With().Str("component", "capture").Logger()}
}

// Bind makes src the current source and closes the one it replaces. Binding
// to a closed Switch closes src.
func (s *Switch) Bind(src Source) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Join(ErrClosed, closeSource(src))
	}
	old := s.cur
	s.cur = src
	s.mu.Unlock()
	return closeSource(old)
}

// Acquire runs open in the background and binds its result. The loop keeps
// reading the previous source, or gets ErrNotReady, in the meantime.
func (s *Switch) Acquire(ctx context.Context, open Opener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		src, err := open(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("open source")
			return
		}
		if err := s.Bind(src); err != nil {
			s.logger.Warn().Err(err).Msg("bind source")
			return
		}
		s.logger.Info().Msg("source bound")
	}()
}

// Next reads from the current source.
func (s *Switch) Next(ctx context.Context) (vision.Image, error) {
	s.mu.Lock()
	cur, closed := s.cur, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return vision.Image{}, ErrClosed
	case cur == nil:
		return vision.Image{}, ErrNotReady
	}
	return cur.Next(ctx)
}

// Close waits for pending acquisitions and closes the current source.
func (s *Switch) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()

	err := closeSource(cur)
	s.wg.Wait()
	return err
}

func closeSource(src Source) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
