package gstcam

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyzimmer/go-gst/gst"
)

func TestCaps(t *testing.T) {
	assert.Equal(t, "video/x-raw,format=RGBA,width=1280,height=720", DefaultConfig().Caps())
	assert.Equal(t, "video/x-raw,format=RGBA,width=64,height=48", Config{Width: 64, Height: 48}.Caps())
}

func TestOpenRejectsInvalidSize(t *testing.T) {
	_, err := Open(context.Background(), Config{Device: "/dev/video0"}, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid size")
}

type fakeElement struct {
	set     []string
	failOn  string
	states  []gst.State
	stateOK bool
}

func (f *fakeElement) SetProperty(name string, value interface{}) error {
	if name == f.failOn {
		return errors.New("no such property")
	}
	f.set = append(f.set, name)
	return nil
}

func (f *fakeElement) SetState(state gst.State) error {
	f.states = append(f.states, state)
	if !f.stateOK {
		return errors.New("state change failed")
	}
	return nil
}

func TestSetPropertiesStopsAtFirstFailure(t *testing.T) {
	e := &fakeElement{failOn: "max-buffers"}
	err := setProperties("appsink", e,
		property{"sync", false},
		property{"max-buffers", uint(1)},
		property{"drop", true},
	)
	require.Error(t, err)
	assert.ErrorContains(t, err, "appsink max-buffers")
	assert.Equal(t, []string{"sync"}, e.set)

	e = &fakeElement{}
	require.NoError(t, setProperties("appsink", e, property{"sync", false}, property{"drop", true}))
	assert.Equal(t, []string{"sync", "drop"}, e.set)
}

func TestAbortReleasesPipeline(t *testing.T) {
	cause := errors.New("link failed")

	p := &fakeElement{stateOK: true}
	err := abort(p, cause)
	assert.Equal(t, cause, err)
	assert.Equal(t, []gst.State{gst.StateNull}, p.states)

	p = &fakeElement{}
	err = abort(p, cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "release pipeline")
}
