package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
instance_id: remote-lab-01
auth:
  master_code: lengoctuyen
`

func TestLoad_FillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.Listen)
	assert.Equal(t, 2*time.Second, cfg.Server.WriteTimeout())
	assert.Equal(t, "file", cfg.Auth.Store)
	assert.Equal(t, "data/users.yaml", cfg.Auth.CredentialsPath)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL())

	assert.Equal(t, "auto", cfg.Capture.Backend)
	assert.Equal(t, "ffmpeg", cfg.Capture.FfmpegPath)
	assert.Equal(t, 640, cfg.Capture.Width)
	assert.Equal(t, 480, cfg.Capture.Height)
	assert.Equal(t, 10, cfg.Capture.FrameRate)
	assert.Equal(t, 3*time.Second, cfg.Capture.ProofDuration())
	assert.Equal(t, 2*time.Second, cfg.Capture.HealthCheckWindow())
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.BatchPace())
	assert.Equal(t, 5*1024*1024, cfg.Capture.MaxFrameBytes)
	assert.Equal(t, "0:none", cfg.Capture.MacAvFoundationInput)
	assert.Equal(t, "/dev/video0", cfg.Capture.LinuxVideoDevice)

	assert.Equal(t, "remote/audit/remote-lab-01", cfg.MQTT.Topics.Audit)
	assert.Equal(t, "remote/health/remote-lab-01", cfg.MQTT.Topics.Health)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["audit"])
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "missing instance id",
			yaml:   "auth: {master_code: x}",
			errMsg: "instance_id is required",
		},
		{
			name:   "bad instance id",
			yaml:   "instance_id: Remote_01\nauth: {master_code: x}",
			errMsg: "instance_id must match",
		},
		{
			name:   "missing master code",
			yaml:   "instance_id: r1",
			errMsg: "master_code is required",
		},
		{
			name:   "unknown store",
			yaml:   "instance_id: r1\nauth: {master_code: x, store: sqlite}",
			errMsg: "unknown store",
		},
		{
			name:   "short token secret",
			yaml:   "instance_id: r1\nauth: {master_code: x, token_secret: short}",
			errMsg: "token_secret",
		},
		{
			name:   "unknown capture backend",
			yaml:   "instance_id: r1\nauth: {master_code: x}\ncapture: {backend: opencv}",
			errMsg: "unknown backend",
		},
		{
			name:   "frame rate too high",
			yaml:   "instance_id: r1\nauth: {master_code: x}\ncapture: {frame_rate: 120}",
			errMsg: "frame_rate",
		},
		{
			name:   "malformed yaml",
			yaml:   "instance_id: [",
			errMsg: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParse_RedisDefaults(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: r1\nauth: {master_code: x, store: redis}"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", cfg.Auth.Redis.Addr)
	assert.Equal(t, "remote", cfg.Auth.Redis.KeyPrefix)
	assert.Empty(t, cfg.Auth.CredentialsPath)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "remote.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "remote-lab-01", cfg.InstanceID)
	assert.Equal(t, "file", cfg.Auth.Store)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, "remote/audit/remote-lab-01", cfg.MQTT.Topics.Audit)
	assert.Equal(t, 30*time.Second, cfg.MQTT.HealthInterval())
}
