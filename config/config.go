// Package config loads camflow settings from defaults, an optional YAML file
// and CAMFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"example/camflow/flow"
	"example/camflow/pipeline"
	"example/camflow/vision"
)

// Camera drivers.
const (
	DriverGoCV      = "gocv"
	DriverGStreamer = "gstreamer"
	DriverFiles     = "files"
)

// openCVCannyAperture is the only aperture cvbackend.EdgeDetect accepts.
const openCVCannyAperture = 3

// Config holds the complete application configuration.
type Config struct {
	Camera      CameraConfig      `mapstructure:"camera"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Corners     CornersConfig     `mapstructure:"corners"`
	Canny       CannyConfig       `mapstructure:"canny"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

type CameraConfig struct {
	Driver string `mapstructure:"driver"` // gocv, gstreamer, files
	Device string `mapstructure:"device"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
	Files  string `mapstructure:"files"` // glob, files driver only
	Loop   bool   `mapstructure:"loop"`
}

type PipelineConfig struct {
	Mode      string        `mapstructure:"mode"`
	Interval  time.Duration `mapstructure:"interval"`
	FPSWindow time.Duration `mapstructure:"fps_window"`
}

type TrackerConfig struct {
	ReseedThreshold int     `mapstructure:"reseed_threshold"`
	MaxFeatures     int     `mapstructure:"max_features"`
	Quality         float64 `mapstructure:"quality"`
	MinDistance     float64 `mapstructure:"min_distance"`
	Window          int     `mapstructure:"window"`
	Levels          int     `mapstructure:"levels"`
	MaxIterations   int     `mapstructure:"max_iterations"`
	Epsilon         float64 `mapstructure:"epsilon"`
	PointRadius     int     `mapstructure:"point_radius"`
}

type CornersConfig struct {
	Max         int     `mapstructure:"max"`
	Quality     float64 `mapstructure:"quality"`
	MinDistance float64 `mapstructure:"min_distance"`
	Radius      int     `mapstructure:"radius"`
}

type CannyConfig struct {
	Kernel   int     `mapstructure:"kernel"`
	Sigma    float64 `mapstructure:"sigma"`
	Low      float64 `mapstructure:"low"`
	High     float64 `mapstructure:"high"`
	Aperture int     `mapstructure:"aperture"`
}

type CalibrationConfig struct {
	Text     string `mapstructure:"text"`
	File     string `mapstructure:"file"`     // watched for changes when set
	Database string `mapstructure:"database"` // SQLite path; empty disables persistence
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns a new configuration with default values.
func DefaultConfig() *Config {
	tracker := flow.DefaultConfig()
	proc := pipeline.DefaultProcessorConfig()
	loop := pipeline.DefaultLoopConfig()
	return &Config{
		Camera: CameraConfig{
			Driver: DriverGoCV,
			Device: "0",
			Width:  1280,
			Height: 720,
		},
		Pipeline: PipelineConfig{
			Mode:      string(pipeline.ModeRaw),
			Interval:  loop.Interval,
			FPSWindow: loop.FPSWindow,
		},
		Tracker: TrackerConfig{
			ReseedThreshold: tracker.ReseedThreshold,
			MaxFeatures:     tracker.Features.MaxCorners,
			Quality:         tracker.Features.Quality,
			MinDistance:     tracker.Features.MinDistance,
			Window:          tracker.Flow.WindowSize,
			Levels:          tracker.Flow.MaxLevel,
			MaxIterations:   tracker.Flow.MaxIterations,
			Epsilon:         tracker.Flow.Epsilon,
			PointRadius:     tracker.Style.PointRadius,
		},
		Corners: CornersConfig{
			Max:         proc.Corners.Features.MaxCorners,
			Quality:     proc.Corners.Features.Quality,
			MinDistance: proc.Corners.Features.MinDistance,
			Radius:      proc.Corners.Radius,
		},
		Canny: CannyConfig{
			Kernel:   proc.Canny.Kernel,
			Sigma:    proc.Canny.Sigma,
			Low:      proc.Canny.Edges.Low,
			High:     proc.Canny.Edges.High,
			Aperture: proc.Canny.Edges.Aperture,
		},
		Calibration: CalibrationConfig{
			Database: "camflow.db",
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from defaults, the file at configPath (or
// ./camflow.yaml if present) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("camflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/camflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("camera.driver", d.Camera.Driver)
	v.SetDefault("camera.device", d.Camera.Device)
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.files", d.Camera.Files)
	v.SetDefault("camera.loop", d.Camera.Loop)
	v.SetDefault("pipeline.mode", d.Pipeline.Mode)
	v.SetDefault("pipeline.interval", d.Pipeline.Interval)
	v.SetDefault("pipeline.fps_window", d.Pipeline.FPSWindow)
	v.SetDefault("tracker.reseed_threshold", d.Tracker.ReseedThreshold)
	v.SetDefault("tracker.max_features", d.Tracker.MaxFeatures)
	v.SetDefault("tracker.quality", d.Tracker.Quality)
	v.SetDefault("tracker.min_distance", d.Tracker.MinDistance)
	v.SetDefault("tracker.window", d.Tracker.Window)
	v.SetDefault("tracker.levels", d.Tracker.Levels)
	v.SetDefault("tracker.max_iterations", d.Tracker.MaxIterations)
	v.SetDefault("tracker.epsilon", d.Tracker.Epsilon)
	v.SetDefault("tracker.point_radius", d.Tracker.PointRadius)
	v.SetDefault("corners.max", d.Corners.Max)
	v.SetDefault("corners.quality", d.Corners.Quality)
	v.SetDefault("corners.min_distance", d.Corners.MinDistance)
	v.SetDefault("corners.radius", d.Corners.Radius)
	v.SetDefault("canny.kernel", d.Canny.Kernel)
	v.SetDefault("canny.sigma", d.Canny.Sigma)
	v.SetDefault("canny.low", d.Canny.Low)
	v.SetDefault("canny.high", d.Canny.High)
	v.SetDefault("canny.aperture", d.Canny.Aperture)
	v.SetDefault("calibration.text", d.Calibration.Text)
	v.SetDefault("calibration.file", d.Calibration.File)
	v.SetDefault("calibration.database", d.Calibration.Database)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Camera.Driver {
	case DriverGoCV, DriverGStreamer:
		if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
			errs = append(errs, fmt.Errorf("invalid camera size %dx%d", c.Camera.Width, c.Camera.Height))
		}
	case DriverFiles:
		if c.Camera.Files == "" {
			errs = append(errs, errors.New("camera.files is required by the files driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid camera driver: %s (must be gocv, gstreamer, or files)", c.Camera.Driver))
	}
	if _, err := c.Mode(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.Interval <= 0 {
		errs = append(errs, fmt.Errorf("pipeline interval %s must be positive", c.Pipeline.Interval))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if err := c.TrackerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ProcessorConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	// Every driver runs on the OpenCV backend, whose Canny has a fixed
	// Sobel aperture.
	if c.Canny.Aperture != openCVCannyAperture {
		errs = append(errs, fmt.Errorf("canny aperture %d is not supported by the OpenCV backend (must be %d)", c.Canny.Aperture, openCVCannyAperture))
	}
	return errors.Join(errs...)
}

// Mode parses the initial pipeline mode.
func (c *Config) Mode() (pipeline.Mode, error) {
	return pipeline.ParseMode(c.Pipeline.Mode)
}

// LogLevel returns the configured level, or info if it does not parse.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// TrackerConfig builds the optical-flow policy.
func (c *Config) TrackerConfig() flow.Config {
	fc := flow.DefaultConfig()
	fc.ReseedThreshold = c.Tracker.ReseedThreshold
	fc.Features = vision.CornerParams{
		MaxCorners:  c.Tracker.MaxFeatures,
		Quality:     c.Tracker.Quality,
		MinDistance: c.Tracker.MinDistance,
	}
	fc.Flow = vision.FlowParams{
		WindowSize:    c.Tracker.Window,
		MaxLevel:      c.Tracker.Levels,
		MaxIterations: c.Tracker.MaxIterations,
		Epsilon:       c.Tracker.Epsilon,
	}
	fc.Style.PointRadius = c.Tracker.PointRadius
	return fc
}

// ProcessorConfig builds the canny and corners policies.
func (c *Config) ProcessorConfig() pipeline.ProcessorConfig {
	pc := pipeline.DefaultProcessorConfig()
	pc.Canny.Kernel = c.Canny.Kernel
	pc.Canny.Sigma = c.Canny.Sigma
	pc.Canny.Edges = vision.EdgeParams{Low: c.Canny.Low, High: c.Canny.High, Aperture: c.Canny.Aperture}
	pc.Corners.Features = vision.CornerParams{
		MaxCorners:  c.Corners.Max,
		Quality:     c.Corners.Quality,
		MinDistance: c.Corners.MinDistance,
	}
	pc.Corners.Radius = c.Corners.Radius
	return pc
}

// LoopConfig builds the loop cadence.
func (c *Config) LoopConfig() pipeline.LoopConfig {
	lc := pipeline.DefaultLoopConfig()
	lc.Interval = c.Pipeline.Interval
	lc.FPSWindow = c.Pipeline.FPSWindow
	return lc
}
