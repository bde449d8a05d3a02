package calibration

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"example/camflow/intrinsics"
)

// Target receives resolved intrinsics; nil disables undistortion.
type Target interface {
	SetIntrinsics(in *intrinsics.Intrinsics)
}

// Source says where the applied intrinsics came from.
type Source string

const (
	SourceText   Source = "text"
	SourceStored Source = "stored"
	SourceNone   Source = "none"
)

// Result describes one Apply.
type Result struct {
	Source Source `json:"source"`
	// Intrinsics is nil when calibration is absent.
	Intrinsics *intrinsics.Intrinsics `json:"intrinsics"`
	// Malformed is set when non-empty text failed to parse.
	Malformed bool `json:"malformed"`
}

// Manager turns calibration text into intrinsics for a Target. The store is
// optional.
type Manager struct {
	store  *Store
	target Target
	logger zerolog.Logger

	mu      sync.Mutex
	current Result
}

// NewManager returns a Manager that has applied nothing yet.
func NewManager(store *Store, target Target, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		target:  target,
		logger:  logger.With().Str("component", "calibration").Logger(),
		current: Result{Source: SourceNone},
	}
}

// Apply resolves text and hands the result to the target:
//
//   - non-empty text that parses is applied and persisted;
//   - non-empty text that does not parse clears the intrinsics;
//   - empty text falls back to the persisted value, if any.
//
// The returned error only reports storage trouble; the target has been
// updated regardless.
func (m *Manager) Apply(ctx context.Context, text string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, persist := m.resolve(ctx, text)
	m.target.SetIntrinsics(res.Intrinsics)
	m.current = res

	ev := m.logger.Info().Str("source", string(res.Source))
	if res.Malformed {
		ev = m.logger.Warn().Bool("malformed", true)
	}
	ev.Bool("undistort", res.Intrinsics != nil).Msg("calibration applied")

	if persist && m.store != nil {
		if err := m.store.SaveIntrinsics(ctx, *res.Intrinsics); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Manager) resolve(ctx context.Context, text string) (res Result, persist bool) {
	if strings.TrimSpace(text) != "" {
		in, ok := intrinsics.Parse(text)
		if !ok {
			return Result{Source: SourceText, Malformed: true}, false
		}
		return Result{Source: SourceText, Intrinsics: &in}, true
	}
	if m.store == nil {
		return Result{Source: SourceNone}, false
	}
	in, ok, err := m.store.LoadIntrinsics(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("read stored calibration")
	}
	if !ok {
		return Result{Source: SourceNone}, false
	}
	return Result{Source: SourceStored, Intrinsics: &in}, false
}

// Current returns the last applied result.
func (m *Manager) Current() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
