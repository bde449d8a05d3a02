package framepool

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/camflow/vision"
	"example/camflow/vision/visiontest"
)

func newPool(t *testing.T) (*Pool, *visiontest.Backend) {
	t.Helper()
	be := visiontest.New()
	return New(be, zerolog.Nop()), be
}

func TestScopeReleasesEverythingOnClose(t *testing.T) {
	p, be := newPool(t)

	s := p.Scope()
	for i := 0; i < 3; i++ {
		_, err := s.Acquire(4, 4, vision.FormatRGBA)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, be.Live())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	assert.Equal(t, 0, be.Live())
	assert.Empty(t, be.Misuse())
	st := p.Stats()
	assert.Equal(t, uint64(3), st.Acquired)
	assert.Equal(t, uint64(3), st.Released)
	assert.Equal(t, uint64(0), st.Live)
}

func TestScopeReleasesOnErrorPath(t *testing.T) {
	p, be := newPool(t)
	be.FailAllocationAfter(2)

	work := func() (err error) {
		s := p.Scope()
		defer func() { err = errors.Join(err, s.Close()) }()
		for i := 0; i < 5; i++ {
			if _, err := s.Acquire(2, 2, vision.FormatGray); err != nil {
				return err
			}
		}
		return nil
	}

	err := work()
	require.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, 2, be.Allocated())
	assert.Equal(t, be.Allocated(), be.Released())
	assert.Equal(t, 0, be.Live())
}

func TestEarlyReleaseIsNotRepeatedOnClose(t *testing.T) {
	p, be := newPool(t)
	s := p.Scope()
	a, err := s.Acquire(2, 2, vision.FormatRGBA)
	require.NoError(t, err)
	_, err = s.Acquire(2, 2, vision.FormatRGBA)
	require.NoError(t, err)

	require.NoError(t, s.Release(a))
	assert.ErrorIs(t, s.Release(a), ErrNotOwned)
	require.NoError(t, s.Close())

	assert.Equal(t, 2, be.Released())
	assert.Empty(t, be.Misuse())
}

func TestRetainSupersedesPreviousValue(t *testing.T) {
	p, be := newPool(t)

	s1 := p.Scope()
	first, err := s1.Acquire(2, 2, vision.FormatGray)
	require.NoError(t, err)
	require.NoError(t, s1.Retain("prev", first))
	require.NoError(t, s1.Close())

	got, ok := p.Retained("prev")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, be.Live())

	s2 := p.Scope()
	second, err := s2.Acquire(2, 2, vision.FormatGray)
	require.NoError(t, err)
	require.NoError(t, s2.Retain("prev", second))
	require.NoError(t, s2.Close())

	got, _ = p.Retained("prev")
	assert.Same(t, second, got)
	assert.Equal(t, 1, be.Live(), "superseded buffer is released")
	assert.Equal(t, 1, p.Stats().Retained)

	require.NoError(t, p.Forget("prev"))
	require.NoError(t, p.Forget("prev"))
	assert.Equal(t, 0, be.Live())
	assert.Empty(t, be.Misuse())
}

func TestRetainRequiresOwnership(t *testing.T) {
	p, _ := newPool(t)
	s := p.Scope()
	defer s.Close()
	other := p.Scope()
	buf, err := other.Acquire(1, 1, vision.FormatGray)
	require.NoError(t, err)
	defer other.Close()

	assert.ErrorIs(t, s.Retain("x", buf), ErrNotOwned)
	assert.True(t, other.Owns(buf))
}

func TestPoolCloseReleasesRetained(t *testing.T) {
	p, be := newPool(t)
	s := p.Scope()
	a, _ := s.Acquire(1, 1, vision.FormatGray)
	b, _ := s.Acquire(1, 1, vision.FormatGray)
	require.NoError(t, s.Retain("a", a))
	require.NoError(t, s.Retain("b", b))
	require.NoError(t, s.Close())

	require.NoError(t, p.Close())
	assert.Equal(t, 0, be.Live())

	_, err := p.Scope().Acquire(1, 1, vision.FormatGray)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetainAfterPoolCloseReleasesBuffer(t *testing.T) {
	p, be := newPool(t)
	s := p.Scope()
	buf, err := s.Acquire(1, 1, vision.FormatGray)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.ErrorIs(t, s.Retain("late", buf), ErrClosed)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, be.Live())
}
