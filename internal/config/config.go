package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Port                 int      `yaml:"port"`
	Address              string   `yaml:"address"`
	WebSocketPath        string   `yaml:"websocket_path"`
	ReadLimit            int      `yaml:"read_limit"`   // bytes per WebSocket message
	IdleTimeout          int      `yaml:"idle_timeout"` // seconds, 0 disables
	MaxConcurrentStreams int      `yaml:"max_concurrent_streams"`
	AllowAnyOrigin       bool     `yaml:"allow_any_origin"`
	AllowedOrigins       []string `yaml:"allowed_origins"` // browser origins accepted when allow_any_origin is off
}

// AudioConfig contains audio windowing parameters
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	BitDepth      int     `yaml:"bit_depth"`
	WindowSeconds float64 `yaml:"window_seconds"`
	AllowResample bool    `yaml:"allow_resample"`
}

// ClassifierConfig contains inference service and vocabulary configuration
type ClassifierConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Model         string `yaml:"model"`
	ScoresOutput  string `yaml:"scores_output"`
	APIKey        string `yaml:"api_key"`
	ClassMap      string `yaml:"class_map"` // file path or http(s) URL
	Timeout       int    `yaml:"timeout"`   // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when a key is absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                 8010,
			Address:              "0.0.0.0",
			WebSocketPath:        "/ws/audio",
			ReadLimit:            1 << 20,
			IdleTimeout:          0,
			MaxConcurrentStreams: 256,
			AllowAnyOrigin:       true,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			BitDepth:      16,
			WindowSeconds: 5,
			AllowResample: true,
		},
		Classifier: ClassifierConfig{
			Model:         "yamnet",
			ScoresOutput:  "output_0",
			Timeout:       30,
			MaxRetries:    0,
			MaxConcurrent: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !strings.HasPrefix(s.WebSocketPath, "/") {
		return fmt.Errorf("websocket_path must start with '/', got '%s'", s.WebSocketPath)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	for _, origin := range s.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("allowed_origins cannot contain empty entries")
		}
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the classifier, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %f", a.WindowSeconds)
	}

	// Windows must hold a whole number of samples
	samples := a.WindowSeconds * float64(a.SampleRate)
	if samples != float64(int(samples)) {
		return fmt.Errorf("window_seconds (%f) must cover a whole number of samples", a.WindowSeconds)
	}

	return nil
}

// Validate validates classifier configuration
func (c *ClassifierConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if c.ClassMap == "" {
		return fmt.Errorf("class_map cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	return nil
}

// Addr returns the listen address in host:port form
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetIdleTimeout returns the idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetWindowDuration returns the window length as a time.Duration
func (a *AudioConfig) GetWindowDuration() time.Duration {
	return time.Duration(a.WindowSeconds * float64(time.Second))
}

// GetTimeoutDuration returns the inference timeout as a time.Duration
func (c *ClassifierConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
