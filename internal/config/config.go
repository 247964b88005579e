package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for facecam.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Models    ModelsConfig    `yaml:"models"`
	Capture   CaptureConfig   `yaml:"capture"`
	Display   DisplayConfig   `yaml:"display"`
	Detection DetectionConfig `yaml:"detection"`
	Recording RecordingConfig `yaml:"recording"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Status    StatusConfig    `yaml:"status"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	MJPEGInterval time.Duration `yaml:"mjpeg_interval"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// ModelsConfig locates the detector and landmark predictor artifacts.
// Each model lives at <BaseDir>/<name>/model.json.
type ModelsConfig struct {
	BaseDir   string `yaml:"base_dir"`
	Detector  string `yaml:"detector"`
	Landmarks string `yaml:"landmarks"`
}

// CaptureConfig holds the requested capture constraints. Width and Height
// are ideal values; the device may deliver something else.
type CaptureConfig struct {
	Source     string `yaml:"source"` // ffmpeg, testpattern
	Device     string `yaml:"device"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	FacingMode string `yaml:"facing_mode"`
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// DisplayConfig overrides the display size. Zero means "follow the video".
type DisplayConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type DetectionConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MinFaceSize int           `yaml:"min_face_size"`
	MinScore    float64       `yaml:"min_score"`
}

type RecordingConfig struct {
	Encoder    string        `yaml:"encoder"` // ffmpeg, mjpeg
	TargetFPS  int           `yaml:"target_fps"`
	Timeslice  time.Duration `yaml:"timeslice"`
	Codec      string        `yaml:"codec"`
	Bitrate    string        `yaml:"bitrate"`
	FFmpegPath string        `yaml:"ffmpeg_path"`
	OutputDir  string        `yaml:"output_dir"`
}

type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MaxClients int      `yaml:"max_clients"`
	STUN       []string `yaml:"stun"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the configuration used when no file or flags are given.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:          ":8080",
			MJPEGInterval: 33 * time.Millisecond,
			EnableMetrics: true,
		},
		Log: LogConfig{Level: "info", Color: true},
		Models: ModelsConfig{
			BaseDir:   "./models",
			Detector:  "face_detector",
			Landmarks: "face_landmarks",
		},
		Capture: CaptureConfig{
			Source:     "ffmpeg",
			Device:     "/dev/video0",
			Width:      640,
			Height:     480,
			FPS:        30,
			FacingMode: "user",
			FFmpegPath: "ffmpeg",
		},
		Detection: DetectionConfig{
			Interval:    100 * time.Millisecond,
			MinFaceSize: 40,
			MinScore:    5.0,
		},
		Recording: RecordingConfig{
			Encoder:    "ffmpeg",
			TargetFPS:  30,
			Timeslice:  100 * time.Millisecond,
			Codec:      "libvpx",
			Bitrate:    "1M",
			FFmpegPath: "ffmpeg",
			OutputDir:  "./recordings",
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			MaxClients: 4,
			STUN:       []string{"stun:stun.l.google.com:19302"},
		},
		Status: StatusConfig{Interval: time.Second},
	}
}

// Load reads a YAML file and merges it over DefaultConfig. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Models.BaseDir == "" || c.Models.Detector == "" || c.Models.Landmarks == "" {
		errs = append(errs, errors.New("models.base_dir, models.detector and models.landmarks are required"))
	}
	switch c.Capture.Source {
	case "ffmpeg", "testpattern":
	default:
		errs = append(errs, fmt.Errorf("capture.source %q: want ffmpeg or testpattern", c.Capture.Source))
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		errs = append(errs, fmt.Errorf("capture size %dx%d must be positive", c.Capture.Width, c.Capture.Height))
	}
	if c.Capture.FPS <= 0 {
		errs = append(errs, errors.New("capture.fps must be positive"))
	}
	if (c.Display.Width == 0) != (c.Display.Height == 0) || c.Display.Width < 0 || c.Display.Height < 0 {
		errs = append(errs, errors.New("display.width and display.height must both be set or both be zero"))
	}
	if c.Detection.Interval <= 0 {
		errs = append(errs, errors.New("detection.interval must be positive"))
	}
	switch c.Recording.Encoder {
	case "ffmpeg", "mjpeg":
	default:
		errs = append(errs, fmt.Errorf("recording.encoder %q: want ffmpeg or mjpeg", c.Recording.Encoder))
	}
	if c.Recording.TargetFPS <= 0 {
		errs = append(errs, errors.New("recording.target_fps must be positive"))
	}
	if c.Recording.Timeslice <= 0 {
		errs = append(errs, errors.New("recording.timeslice must be positive"))
	}
	if c.WebRTC.MaxClients < 0 {
		errs = append(errs, errors.New("webrtc.max_clients must not be negative"))
	}
	if c.Status.Interval <= 0 {
		errs = append(errs, errors.New("status.interval must be positive"))
	}

	return errors.Join(errs...)
}

// String renders the config as YAML for logging.
func (c Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return strings.TrimSpace(string(data))
}
