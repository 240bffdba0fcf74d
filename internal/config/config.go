package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete remote-control service configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Server           ServerConfig  `yaml:"server"`
	Auth             AuthConfig    `yaml:"auth"`
	Capture          CaptureConfig `yaml:"capture"`
	Keylog           KeylogConfig  `yaml:"keylog"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
}

// ServerConfig contains the session transport settings
type ServerConfig struct {
	Listen         string   `yaml:"listen"`           // host:port for /hub and health endpoints
	WriteTimeoutMS int      `yaml:"write_timeout_ms"` // per-message write deadline
	AllowedOrigins []string `yaml:"allowed_origins"`  // empty = same host only
}

// AuthConfig contains session authority and credential store settings
type AuthConfig struct {
	MasterCode           string      `yaml:"master_code"`
	Store                string      `yaml:"store"` // file, redis
	CredentialsPath      string      `yaml:"credentials_path"`
	Redis                RedisConfig `yaml:"redis"`
	TokenSecret          string      `yaml:"token_secret"` // empty disables resume tokens
	TokenExpirationHours int         `yaml:"token_expiration_hours"`
}

// RedisConfig contains redis connection settings for the credential store
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CaptureConfig contains capture backend settings
type CaptureConfig struct {
	Backend              string `yaml:"backend"` // auto, mock, gst
	FfmpegPath           string `yaml:"ffmpeg_path"`
	Width                int    `yaml:"width"`
	Height               int    `yaml:"height"`
	FrameRate            int    `yaml:"frame_rate"` // default and proof fps
	WebcamFPS            int    `yaml:"webcam_fps"` // RequestWebcam fps
	ProofDurationMS      int    `yaml:"proof_duration_ms"`
	HealthCheckMS        int    `yaml:"health_check_ms"`
	MaxFrameBytes        int    `yaml:"max_frame_bytes"`
	BatchPaceMS          int    `yaml:"batch_pace_ms"`
	MacAvFoundationInput string `yaml:"mac_avfoundation_input"`
	MacScreenInput       string `yaml:"mac_screen_input"`
	LinuxVideoDevice     string `yaml:"linux_video_device"`
	LinuxDisplay         string `yaml:"linux_display"`
}

// KeylogConfig contains the key-event helper command
type KeylogConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// MQTTConfig contains MQTT broker settings for audit and health publishing
type MQTTConfig struct {
	Broker          string          `yaml:"broker"` // empty disables the emitter
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	HealthIntervalS int             `yaml:"health_interval_s"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Audit  string `yaml:"audit"`
	Health string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// WriteTimeout returns the per-message write deadline
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// TokenTTL returns the resume token lifetime
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenExpirationHours) * time.Hour
}

// ProofDuration returns the bounded capture duration
func (c CaptureConfig) ProofDuration() time.Duration {
	return time.Duration(c.ProofDurationMS) * time.Millisecond
}

// HealthCheckWindow returns the first-frame window per candidate
func (c CaptureConfig) HealthCheckWindow() time.Duration {
	return time.Duration(c.HealthCheckMS) * time.Millisecond
}

// BatchPace returns the interval between batch frame deliveries
func (c CaptureConfig) BatchPace() time.Duration {
	return time.Duration(c.BatchPaceMS) * time.Millisecond
}

// HealthInterval returns the MQTT health publishing period
func (m MQTTConfig) HealthInterval() time.Duration {
	return time.Duration(m.HealthIntervalS) * time.Second
}
