// Package api is the HTTP control surface of a running pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"example/camflow/calibration"
	"example/camflow/output"
	"example/camflow/pipeline"
)

// maxCalibrationBytes bounds PUT /calibration bodies.
const maxCalibrationBytes = 64 << 10

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Calibrator applies calibration text.
type Calibrator interface {
	Apply(ctx context.Context, text string) (calibration.Result, error)
	Current() calibration.Result
}

// Config contains what the server exposes.
type Config struct {
	Address  string
	Controls *pipeline.Controls
	Frames   *output.Latest
	Stats    StatsSource
	// Calibration may be nil, in which case calibration endpoints return 404.
	Calibration Calibrator
	Logger      zerolog.Logger
}

// Server serves mode selection, calibration, the live view and statistics.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	server *http.Server
}

// NewServer builds the routes; call Start to listen.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mode", s.handleGetMode)
	mux.HandleFunc("PUT /mode", s.handlePutMode)
	mux.HandleFunc("GET /calibration", s.handleGetCalibration)
	mux.HandleFunc("PUT /calibration", s.handlePutCalibration)
	mux.HandleFunc("GET /snapshot.png", s.handleSnapshot)
	mux.HandleFunc("GET /stream.mjpeg", s.handleStream)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Address).Msg("starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown")
		s.server.Close()
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type modeBody struct {
	Mode string `json:"mode"`
}

type modeResponse struct {
	Mode  pipeline.Mode   `json:"mode"`
	Modes []pipeline.Mode `json:"modes"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeResponse{Mode: s.cfg.Controls.Mode(), Modes: pipeline.Modes()})
}

func (s *Server) handlePutMode(w http.ResponseWriter, r *http.Request) {
	var req modeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Controls.SetMode(mode); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info().Str("mode", string(mode)).Msg("mode changed")
	writeJSON(w, http.StatusOK, modeResponse{Mode: mode, Modes: pipeline.Modes()})
}

func (s *Server) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Calibration == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Calibration.Current())
}

// handlePutCalibration takes the raw calibration text as the body. Malformed
// text still takes effect (undistortion off) but is answered with 422.
func (s *Server) handlePutCalibration(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Calibration == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCalibrationBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	res, err := s.cfg.Calibration.Apply(r.Context(), string(body))
	if err != nil {
		s.logger.Warn().Err(err).Msg("persist calibration")
	}
	status := http.StatusOK
	if res.Malformed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	img, version := s.cfg.Frames.Frame()
	if version == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := output.EncodePNG(w, img); err != nil {
		s.logger.Debug().Err(err).Msg("snapshot")
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	m := output.NewMJPEG(w, output.DefaultJPEGQuality, flusher.Flush)
	w.Header().Set("Content-Type", m.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := m.Stream(r.Context(), s.cfg.Frames)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("stream ended")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Stats.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
