// Package metrics holds the prometheus instruments of the frame loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camflow_frames_total",
			Help: "Frames delivered to the output, by mode",
		},
		[]string{"mode"},
	)

	FrameFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camflow_frame_failures_total",
			Help: "Frames abandoned, by pipeline stage",
		},
		[]string{"stage"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camflow_fallbacks_total",
			Help: "Frames passed through unmodified after a transform failure, by mode",
		},
		[]string{"mode"},
	)

	UndistortSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camflow_undistort_skipped_total",
			Help: "Frames left distorted because undistortion failed",
		},
	)

	SourceNotReady = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camflow_source_not_ready_total",
			Help: "Loop iterations with no frame available",
		},
	)

	FrameDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "camflow_frame_duration_seconds",
			Help:    "Time to process one frame",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)

	FPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camflow_fps",
			Help: "Loop iterations per second over the last window",
		},
	)

	LiveBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camflow_buffers_live",
			Help: "Native buffers acquired and not yet released",
		},
	)

	TrackerReseeds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camflow_tracker_reseeds_total",
			Help: "Feature re-detections by the optical flow tracker",
		},
	)

	TrackedPoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camflow_tracker_points",
			Help: "Points successfully tracked into the last frame",
		},
	)
)
