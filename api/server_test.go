package api

import (
	"context"
	"encoding/json"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/camflow/calibration"
	"example/camflow/flow"
	"example/camflow/framepool"
	"example/camflow/output"
	"example/camflow/pipeline"
	"example/camflow/vision/visiontest"
)

type fixedStats pipeline.Stats

func (f fixedStats) Stats() pipeline.Stats { return pipeline.Stats(f) }

type harness struct {
	controls *pipeline.Controls
	frames   *output.Latest
	calib    *calibration.Manager
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		controls: pipeline.NewControls(pipeline.ModeRaw),
		frames:   output.NewLatest(),
	}
	h.calib = calibration.NewManager(nil, h.controls, zerolog.Nop())
	h.handler = NewServer(Config{
		Controls:    h.controls,
		Frames:      h.frames,
		Stats:       fixedStats{Frames: 42, FPS: 30, Mode: pipeline.ModeCanny},
		Calibration: h.calib,
		Logger:      zerolog.Nop(),
	}).Handler()
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func TestModeEndpoints(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/mode", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got modeResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, pipeline.ModeRaw, got.Mode)
	assert.Len(t, got.Modes, 5)

	rr = h.do(http.MethodPut, "/mode", `{"mode":"Optical-Flow"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, pipeline.ModeOpticalFlow, h.controls.Mode())

	tests := []struct {
		name string
		body string
	}{
		{"unknown mode", `{"mode":"sepia"}`},
		{"bad json", `{"mode":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(http.MethodPut, "/mode", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, pipeline.ModeOpticalFlow, h.controls.Mode())
		})
	}

	rr = h.do(http.MethodPost, "/mode", `{"mode":"raw"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCalibrationEndpoint(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodPut, "/calibration", `{"fx":500,"fy":500,"cx":320,"cy":240,"k1":0.1,"k2":0,"p1":0,"p2":0,"k3":0}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, h.controls.Intrinsics())
	assert.Equal(t, 500.0, h.controls.Intrinsics().Fx)

	rr = h.do(http.MethodGet, "/calibration", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var cur calibration.Result
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&cur))
	assert.Equal(t, calibration.SourceText, cur.Source)

	rr = h.do(http.MethodPut, "/calibration", `{"fx":"wide"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Nil(t, h.controls.Intrinsics(), "malformed text disables undistortion")
}

func TestCalibrationDisabled(t *testing.T) {
	handler := NewServer(Config{
		Controls: pipeline.NewControls(pipeline.ModeRaw),
		Frames:   output.NewLatest(),
		Stats:    fixedStats{},
		Logger:   zerolog.Nop(),
	}).Handler()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/calibration", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/snapshot.png", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	require.NoError(t, h.frames.Deliver(visiontest.Checker(10, 8, 2)))
	rr = h.do(http.MethodGet, "/snapshot.png", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	img, err := png.Decode(rr.Body)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
}

func TestStatsAndMetrics(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	assert.Equal(t, 42.0, stats["frames"])
	assert.Equal(t, 30.0, stats["fps"])
	assert.Equal(t, "canny", stats["mode"])

	rr = h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "camflow_")

	rr = h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatsKeysAreSnakeCase(t *testing.T) {
	handler := NewServer(Config{
		Controls: pipeline.NewControls(pipeline.ModeRaw),
		Frames:   output.NewLatest(),
		Stats: fixedStats{
			Tracker: flow.State{Seeded: true, Age: 3, Points: 40, Reseeds: 2},
			Motion:  flow.MotionSummary{Tracked: 40, MedianDX: 1.5, MeanSpeed: 2},
			Buffers: framepool.Stats{Acquired: 9, Released: 8, Live: 1, Retained: 1},
		},
		Logger: zerolog.Nop(),
	}).Handler()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var stats struct {
		Tracker map[string]any `json:"tracker"`
		Motion  map[string]any `json:"motion"`
		Buffers map[string]any `json:"buffers"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	assert.Equal(t, map[string]any{"seeded": true, "age": 3.0, "points": 40.0, "reseeds": 2.0}, stats.Tracker)
	assert.Equal(t, 1.5, stats.Motion["median_dx"])
	assert.Equal(t, 2.0, stats.Motion["mean_speed"])
	assert.Equal(t, 1.0, stats.Buffers["live"])
	for _, group := range []map[string]any{stats.Tracker, stats.Motion, stats.Buffers} {
		for key := range group {
			assert.Equal(t, strings.ToLower(key), key)
		}
	}
}

func TestStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	require.NoError(t, h.frames.Deliver(visiontest.Solid(12, 12, color.RGBA{B: 255, A: 255})))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream.mjpeg", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
}

func TestStartStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewServer(Config{
		Address:  addr,
		Controls: pipeline.NewControls(pipeline.ModeRaw),
		Frames:   output.NewLatest(),
		Stats:    fixedStats{},
		Logger:   zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
