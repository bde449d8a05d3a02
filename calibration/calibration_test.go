package calibration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/camflow/intrinsics"
)

const lens = `{"fx":800,"fy":810,"cx":320,"cy":240,"k1":-0.2,"k2":0.05,"p1":0,"p2":0,"k3":0}`

type recordTarget struct {
	mu    sync.Mutex
	calls int
	last  *intrinsics.Intrinsics
}

func (r *recordTarget) SetIntrinsics(in *intrinsics.Intrinsics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = in
}

func (r *recordTarget) get() (*intrinsics.Intrinsics, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.calls
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "camflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreGetPut(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", "one"))
	require.NoError(t, s.Put(ctx, "k", "two"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", v)
}

func TestStoreIntrinsicsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "camflow.db")

	s, err := OpenStore(path)
	require.NoError(t, err)
	in, ok := intrinsics.Parse(lens)
	require.True(t, ok)
	require.NoError(t, s.SaveIntrinsics(ctx, in))
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.LoadIntrinsics(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, got)
}

func TestStoreCorruptValueIsAbsent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.Put(ctx, intrinsicsKey, "{broken"))
	_, ok, err := s.LoadIntrinsics(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerResolution(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	target := &recordTarget{}
	m := NewManager(s, target, zerolog.Nop())

	assert.Equal(t, SourceNone, m.Current().Source)

	// Nothing stored yet.
	res, err := m.Apply(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SourceNone, res.Source)
	assert.Nil(t, res.Intrinsics)

	// Valid text is applied and persisted.
	res, err = m.Apply(ctx, lens)
	require.NoError(t, err)
	assert.Equal(t, SourceText, res.Source)
	require.NotNil(t, res.Intrinsics)
	assert.Equal(t, 800.0, res.Intrinsics.Fx)
	last, _ := target.get()
	assert.Equal(t, res.Intrinsics, last)

	// Malformed text disables undistortion without falling back.
	res, err = m.Apply(ctx, `{"fx": 1}`)
	require.NoError(t, err)
	assert.True(t, res.Malformed)
	assert.Nil(t, res.Intrinsics)
	last, _ = target.get()
	assert.Nil(t, last)

	// Empty text falls back to the stored value.
	res, err = m.Apply(ctx, "  \n")
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	require.NotNil(t, res.Intrinsics)
	assert.Equal(t, 810.0, res.Intrinsics.Fy)
	assert.Equal(t, res, m.Current())

	_, calls := target.get()
	assert.Equal(t, 4, calls)
}

func TestManagerWithoutStore(t *testing.T) {
	target := &recordTarget{}
	m := NewManager(nil, target, zerolog.Nop())

	_, err := m.Apply(context.Background(), lens)
	require.NoError(t, err)
	res, err := m.Apply(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, SourceNone, res.Source)
	last, _ := target.get()
	assert.Nil(t, last)
}

func TestManagerReportsStoreFailure(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Close())
	target := &recordTarget{}
	m := NewManager(s, target, zerolog.Nop())

	res, err := m.Apply(context.Background(), lens)
	assert.Error(t, err)
	require.NotNil(t, res.Intrinsics)
	last, _ := target.get()
	assert.NotNil(t, last, "the pipeline still gets the calibration")
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lens.json")
	require.NoError(t, os.WriteFile(path, []byte(lens), 0o644))

	target := &recordTarget{}
	m := NewManager(nil, target, zerolog.Nop())
	w, err := NewWatcher(path, m, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		cur := m.Current()
		return cur.Source == SourceText && cur.Intrinsics != nil && cur.Intrinsics.Fx == 800
	}, 5*time.Second, 10*time.Millisecond, "initial load")

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	require.Eventually(t, func() bool { return m.Current().Malformed }, 5*time.Second, 10*time.Millisecond)
	last, _ := target.get()
	assert.Nil(t, last)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcherMissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "lens.json"), NewManager(nil, &recordTarget{}, zerolog.Nop()), zerolog.Nop())
	assert.Error(t, err)
}
