package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validateAuth(&cfg.Auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	validateMQTT(&cfg.MQTT, cfg.InstanceID)

	return nil
}

func validateServer(s *ServerConfig) error {
	if s.Listen == "" {
		s.Listen = ":5000"
	}
	if s.WriteTimeoutMS < 0 {
		return fmt.Errorf("write_timeout_ms must be >= 0")
	}
	if s.WriteTimeoutMS == 0 {
		s.WriteTimeoutMS = 2000
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	if a.MasterCode == "" {
		return fmt.Errorf("master_code is required")
	}

	switch a.Store {
	case "":
		a.Store = "file"
	case "file", "redis":
	default:
		return fmt.Errorf("unknown store '%s' (must be 'file' or 'redis')", a.Store)
	}

	if a.Store == "file" && a.CredentialsPath == "" {
		a.CredentialsPath = "data/users.yaml"
	}
	if a.Store == "redis" {
		if a.Redis.Addr == "" {
			a.Redis.Addr = "127.0.0.1:6379"
		}
		if a.Redis.KeyPrefix == "" {
			a.Redis.KeyPrefix = "remote"
		}
	}

	if a.TokenExpirationHours < 0 {
		return fmt.Errorf("token_expiration_hours must be >= 0")
	}
	if a.TokenExpirationHours == 0 {
		a.TokenExpirationHours = 24
	}
	if a.TokenSecret != "" && len(a.TokenSecret) < 16 {
		return fmt.Errorf("token_secret must be at least 16 bytes")
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	switch c.Backend {
	case "":
		c.Backend = "auto"
	case "auto", "mock", "gst":
	default:
		return fmt.Errorf("unknown backend '%s' (must be 'auto', 'mock' or 'gst')", c.Backend)
	}

	if c.FfmpegPath == "" {
		c.FfmpegPath = "ffmpeg"
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must be >= 0")
	}
	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}

	if c.FrameRate < 0 || c.FrameRate > 30 {
		return fmt.Errorf("frame_rate must be between 1 and 30, got %d", c.FrameRate)
	}
	if c.FrameRate == 0 {
		c.FrameRate = 10
	}
	if c.WebcamFPS == 0 {
		c.WebcamFPS = 10
	}
	if c.ProofDurationMS <= 0 {
		c.ProofDurationMS = 3000
	}
	if c.HealthCheckMS <= 0 {
		c.HealthCheckMS = 2000
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 5 * 1024 * 1024
	}
	if c.BatchPaceMS <= 0 {
		c.BatchPaceMS = 100
	}
	if c.MacAvFoundationInput == "" {
		c.MacAvFoundationInput = "0:none"
	}
	if c.MacScreenInput == "" {
		c.MacScreenInput = "1:none"
	}
	if c.LinuxVideoDevice == "" {
		c.LinuxVideoDevice = "/dev/video0"
	}
	if c.LinuxDisplay == "" {
		c.LinuxDisplay = ":0.0"
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) {
	// Set default topics if not provided
	if m.Topics.Audit == "" {
		m.Topics.Audit = fmt.Sprintf("remote/audit/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("remote/health/%s", instanceID)
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"audit":  1,
			"health": 0,
		}
	}
	if m.HealthIntervalS <= 0 {
		m.HealthIntervalS = 30
	}
}
