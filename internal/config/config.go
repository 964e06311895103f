package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"pilapse/internal/align"
)

const (
	defaultConfigPath = "~/.config/pilapse/config.json"
	defaultParallel   = 2
)

// ErrInvalid is returned by Validate when a field fails its constraints.
var ErrInvalid = errors.New("invalid configuration")

// Config holds user-editable settings for the rig.
type Config struct {
	Processing Processing   `json:"processing"`
	Logging    Logging      `json:"logging"`
	Paths      Paths        `json:"paths"`
	Alignment  align.Config `json:"alignment"`
	Capture    Capture      `json:"capture"`
	Video      Video        `json:"video"`
	Flash      Flash        `json:"flash"`
	Server     Server       `json:"server"`
	Publish    Publish      `json:"publish"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" validate:"gte=1"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" validate:"oneof=debug info warn warning error"`
	Format     string `json:"format" validate:"oneof=text json"`
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
	Compress   bool   `json:"compress"`    // Gzip rotated files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Capture configures the time-lapse worker and its camera.
type Capture struct {
	Source          string   `json:"source" validate:"oneof=still webcam"`
	Interval        Duration `json:"interval"`
	OutputDir       string   `json:"output_dir"`
	Limit           int      `json:"limit" validate:"gte=0"` // 0 means unlimited
	Width           int      `json:"width" validate:"gte=0"`
	Height          int      `json:"height" validate:"gte=0"`
	Rotation        int      `json:"rotation" validate:"oneof=0 90 180 270"`
	StillCommand    string   `json:"still_command"` // libcamera-still, raspistill
	Device          string   `json:"device"`        // V4L2 device for the webcam source
	SettleTime      Duration `json:"settle_time"`   // exposure/white balance warm-up
	GateOnAlignment bool     `json:"gate_on_alignment"`
	GateInterval    Duration `json:"gate_interval"`
	UseFlash        bool     `json:"use_flash"`
}

// Video configures the assembler.
type Video struct {
	FPS        int    `json:"fps" validate:"gte=1"`
	FrameTime  int    `json:"frame_time" validate:"gte=1"` // repeats per photo
	Width      int    `json:"width" validate:"gte=0"`
	Height     int    `json:"height" validate:"gte=0"`
	Encoder    string `json:"encoder" validate:"oneof=mjpeg ffmpeg"`
	Quality    int    `json:"quality" validate:"gte=1,lte=100"`
	FFmpegPath string `json:"ffmpeg_path"`
}

// Flash configures the flash client and server.
type Flash struct {
	Addr       string   `json:"addr" validate:"required"`
	Listen     string   `json:"listen" validate:"required"`
	GPIOPath   string   `json:"gpio_path"`
	OnCommand  []string `json:"on_command"`
	OffCommand []string `json:"off_command"`
	Timeout    Duration `json:"timeout"`
}

// Server configures the HTTP API.
type Server struct {
	Addr         string   `json:"addr" validate:"required"`
	WatchDirs    []string `json:"watch_dirs"`
	AutoAlign    bool     `json:"auto_align"` // submit align jobs for new photos
	Live         bool     `json:"live"`
	LiveInterval Duration `json:"live_interval"`
}

// Publish configures S3 uploads.
type Publish struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"` // MinIO or other S3 compatible endpoint
	Prefix    string `json:"prefix"`
	PathStyle bool   `json:"path_style"`
}

// Duration is a time.Duration that reads and writes as "5m" in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"5m\": %w", err)
		}
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults,
// and validates the result. A .env file in the working directory is loaded
// first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := os.Getenv("PILAPSE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// LoadFile reads the JSON file at path over the defaults and applies
// environment overrides. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		applyEnv(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// Path returns the config file location Load would read.
func Path() string {
	if p := os.Getenv("PILAPSE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PILAPSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PILAPSE_OUTPUT_DIR"); v != "" {
		cfg.Capture.OutputDir = v
		cfg.Paths.DefaultOutput = v
	}
	if v := os.Getenv("PILAPSE_DB_PATH"); v != "" {
		cfg.Paths.DatabasePath = v
	}
	if v := os.Getenv("PILAPSE_FLASH_ADDR"); v != "" {
		cfg.Flash.Addr = v
	}
	if v := os.Getenv("PILAPSE_S3_BUCKET"); v != "" {
		cfg.Publish.Bucket = v
	}
	if v := os.Getenv("PILAPSE_PARALLEL_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Processing.ParallelJobs = n
		}
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Alignment.LeftTemplate == "" || c.Alignment.RightTemplate == "" {
		return fmt.Errorf("%w: alignment templates must be set", ErrInvalid)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    20, // 20MB, the Pi lives on an SD card
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./photos",
			DatabasePath:  filepath.Join(os.TempDir(), "pilapse.db"),
		},
		Alignment: align.DefaultConfig(),
		Capture: Capture{
			Source:       "still",
			Interval:     Duration{5 * time.Minute},
			OutputDir:    "./photos",
			StillCommand: "libcamera-still",
			Device:       "/dev/video0",
			SettleTime:   Duration{2 * time.Second},
			GateInterval: Duration{10 * time.Second},
		},
		Video: Video{
			FPS:        24,
			FrameTime:  1,
			Encoder:    "mjpeg",
			Quality:    90,
			FFmpegPath: "ffmpeg",
		},
		Flash: Flash{
			Addr:    "localhost:5005",
			Listen:  ":5005",
			Timeout: Duration{3 * time.Second},
		},
		Server: Server{
			Addr:         ":8080",
			LiveInterval: Duration{5 * time.Second},
		},
		Publish: Publish{
			Region: "us-east-1",
			Prefix: "pilapse/",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
