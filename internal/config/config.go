package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skobkin/qrlink/internal/frames"
)

// SourceType identifies where raw scans are read from.
type SourceType string

const (
	SourceStdin  SourceType = "stdin"
	SourceSerial SourceType = "serial"

	DefaultSerialBaud      = 9600
	DefaultListenAddr      = "127.0.0.1:8765"
	DefaultScanTimeoutSec  = 120
	DefaultStorageKeepLast = 100

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	LogToFile bool   `json:"log_to_file"`
}

// DisplayConfig controls how payloads are split and cycled on screen.
type DisplayConfig struct {
	Mode            string `json:"mode"`
	FrameCapacity   int    `json:"frame_capacity"`
	FrameIntervalMS int    `json:"frame_interval_ms"`
	IntervalStepMS  int    `json:"interval_step_ms"`
	MaxIntervalMS   int    `json:"max_interval_ms"`
	ListenAddr      string `json:"listen_addr"`
}

// ScanConfig controls scan sessions and the scanner source.
type ScanConfig struct {
	Mode       string     `json:"mode"`
	TimeoutSec int        `json:"timeout_sec"`
	Source     SourceType `json:"source"`
	SerialPort string     `json:"serial_port"`
	SerialBaud int        `json:"serial_baud"`
}

// StorageConfig controls the received payload history.
type StorageConfig struct {
	Enabled  bool `json:"enabled"`
	KeepLast int  `json:"keep_last"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled bool `json:"enabled"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Logging       LoggingConfig      `json:"logging"`
	Display       DisplayConfig      `json:"display"`
	Scan          ScanConfig         `json:"scan"`
	Storage       StorageConfig      `json:"storage"`
	Notifications NotificationConfig `json:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Logging: LoggingConfig{
			Level:     "info",
			Format:    LogFormatText,
			LogToFile: false,
		},
		Display: DisplayConfig{
			Mode:            string(frames.ModeSigning),
			FrameCapacity:   frames.DefaultCapacity,
			FrameIntervalMS: int(frames.DefaultFrameInterval / time.Millisecond),
			IntervalStepMS:  int(frames.DefaultIntervalStep / time.Millisecond),
			MaxIntervalMS:   int(frames.DefaultMaxInterval / time.Millisecond),
			ListenAddr:      DefaultListenAddr,
		},
		Scan: ScanConfig{
			Mode:       string(frames.ModeSigning),
			TimeoutSec: DefaultScanTimeoutSec,
			Source:     SourceStdin,
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
		},
		Storage: StorageConfig{
			Enabled:  true,
			KeepLast: DefaultStorageKeepLast,
		},
		Notifications: NotificationConfig{
			Enabled: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogFormatText
	}
	if c.Display.Mode == "" {
		c.Display.Mode = string(frames.ModeSigning)
	}
	if c.Display.FrameCapacity <= 0 {
		c.Display.FrameCapacity = frames.DefaultCapacity
	}
	if c.Display.FrameIntervalMS <= 0 {
		c.Display.FrameIntervalMS = int(frames.DefaultFrameInterval / time.Millisecond)
	}
	if c.Display.IntervalStepMS < 0 {
		c.Display.IntervalStepMS = 0
	}
	if c.Display.MaxIntervalMS < 0 {
		c.Display.MaxIntervalMS = 0
	}
	if c.Display.MaxIntervalMS > 0 && c.Display.MaxIntervalMS < c.Display.FrameIntervalMS {
		c.Display.MaxIntervalMS = c.Display.FrameIntervalMS
	}
	if c.Display.ListenAddr == "" {
		c.Display.ListenAddr = DefaultListenAddr
	}
	if c.Scan.Mode == "" {
		c.Scan.Mode = string(frames.ModeSigning)
	}
	if c.Scan.TimeoutSec < 0 {
		c.Scan.TimeoutSec = 0
	}
	if c.Scan.Source == "" {
		c.Scan.Source = SourceStdin
	}
	if c.Scan.SerialBaud <= 0 {
		c.Scan.SerialBaud = DefaultSerialBaud
	}
	if c.Storage.KeepLast < 0 {
		c.Storage.KeepLast = 0
	}
}

func (c AppConfig) Validate() error {
	if _, err := frames.ParseMode(c.Display.Mode); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	if c.Display.FrameCapacity <= 0 {
		return errors.New("display frame capacity must be positive")
	}
	if c.Display.FrameIntervalMS <= 0 {
		return errors.New("display frame interval must be positive")
	}
	if c.Display.MaxIntervalMS > 0 && c.Display.MaxIntervalMS < c.Display.FrameIntervalMS {
		return errors.New("display max interval must not be below the frame interval")
	}

	if _, err := frames.ParseMode(c.Scan.Mode); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if c.Scan.TimeoutSec < 0 {
		return errors.New("scan timeout must not be negative")
	}
	switch c.Scan.Source {
	case SourceStdin:
	case SourceSerial:
		if strings.TrimSpace(c.Scan.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Scan.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	default:
		return fmt.Errorf("unknown scan source: %s", c.Scan.Source)
	}

	switch c.Logging.Format {
	case LogFormatText, LogFormatJSON, "":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}

	return nil
}

// FrameTiming returns the display cycle timing.
func (d DisplayConfig) FrameTiming() frames.Timing {
	return frames.Timing{
		Base: time.Duration(d.FrameIntervalMS) * time.Millisecond,
		Step: time.Duration(d.IntervalStepMS) * time.Millisecond,
		Max:  time.Duration(d.MaxIntervalMS) * time.Millisecond,
	}
}

// Timeout returns the session timeout; zero means none.
func (s ScanConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
