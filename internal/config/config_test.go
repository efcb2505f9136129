package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 8080, s.Server.Port)
	assert.Equal(t, 30*time.Second, s.Recording.MaxDuration)
	assert.Equal(t, 10*time.Second, s.Recording.AdvisoryAfter)
	assert.Equal(t, 10*time.Second, s.Overlay.Interval)
	assert.Equal(t, 3*time.Second, s.Overlay.Window)
	assert.Equal(t, []string{"grpc", "http"}, s.Detection.Backends)
	assert.Equal(t, "any", s.Detection.CollisionMode)
	assert.Equal(t, 7*24*time.Hour, s.Database.CollisionRetention)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collicam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
recording:
  max_duration: 45s
detection:
  collision_mode: allow_list
  collision_classes: [car, person]
camera:
  back_id: /dev/video2
`), 0o644))

	t.Setenv("COLLICAM_SERVER_PORT", "7070")
	t.Setenv("COLLICAM_ASSETSTORE_CLOUD_NAME", "demo")

	s, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 7070, s.Server.Port)
	assert.Equal(t, 45*time.Second, s.Recording.MaxDuration)
	assert.Equal(t, []string{"car", "person"}, s.Detection.CollisionClasses)
	assert.Equal(t, "/dev/video2", s.Camera.BackID)
	assert.Equal(t, "demo", s.AssetStore.CloudName)
	assert.Equal(t, "0.0.0.0:7070", s.Server.Addr())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load(viper.New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"port", func(s *Settings) { s.Server.Port = 0 }},
		{"max duration", func(s *Settings) { s.Recording.MaxDuration = 0 }},
		{"allow list without classes", func(s *Settings) { s.Detection.CollisionMode = "allow_list" }},
		{"unknown mode", func(s *Settings) { s.Detection.CollisionMode = "nearest" }},
		{"unknown backend", func(s *Settings) { s.Detection.Backends = []string{"onnx"} }},
		{"qos", func(s *Settings) { s.Alert.MQTT.QoS = 3 }},
		{"auth without password", func(s *Settings) { s.Auth.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := *base
			tt.mutate(&s)
			assert.Error(t, Validate(&s))
		})
	}
	assert.NoError(t, Validate(base))
}
