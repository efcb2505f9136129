// Package config loads collicam settings from a YAML file, COLLICAM_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COLLICAM_SERVER_PORT
const EnvPrefix = "COLLICAM"

// Settings is the complete configuration
type Settings struct {
	Server      ServerSettings      `mapstructure:"server"`
	Log         LogSettings         `mapstructure:"log"`
	Database    DatabaseSettings    `mapstructure:"database"`
	Auth        AuthSettings        `mapstructure:"auth"`
	Camera      CameraSettings      `mapstructure:"camera"`
	Recording   RecordingSettings   `mapstructure:"recording"`
	Detection   DetectionSettings   `mapstructure:"detection"`
	Alert       AlertSettings       `mapstructure:"alert"`
	Overlay     OverlaySettings     `mapstructure:"overlay"`
	AssetStore  AssetStoreSettings  `mapstructure:"assetstore"`
	PostProcess PostProcessSettings `mapstructure:"postprocess"`
}

type ServerSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type DatabaseSettings struct {
	Path               string        `mapstructure:"path"`
	CollisionRetention time.Duration `mapstructure:"collision_retention"` // 0 keeps everything
}

type AuthSettings struct {
	Enabled   bool          `mapstructure:"enabled"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type CameraSettings struct {
	FrontID     string `mapstructure:"front_id"`
	BackID      string `mapstructure:"back_id"`
	RequirePair bool   `mapstructure:"require_pair"`
}

type RecordingSettings struct {
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	AdvisoryAfter time.Duration `mapstructure:"advisory_after"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	MimeType      string        `mapstructure:"mime_type"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
	FPS           int           `mapstructure:"fps"`
}

type DetectionSettings struct {
	Enabled          bool          `mapstructure:"enabled"`
	Backends         []string      `mapstructure:"backends"` // preference order: grpc, http
	GRPCEndpoint     string        `mapstructure:"grpc_endpoint"`
	HTTPEndpoint     string        `mapstructure:"http_endpoint"`
	ConfThreshold    float64       `mapstructure:"conf_threshold"`
	MinScore         float64       `mapstructure:"min_score"`
	Timeout          time.Duration `mapstructure:"timeout"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	CollisionMode    string        `mapstructure:"collision_mode"`
	CollisionClasses []string      `mapstructure:"collision_classes"`
}

type AlertSettings struct {
	Haptic      bool          `mapstructure:"haptic"`
	VibratorDir string        `mapstructure:"vibrator_dir"`
	Pulse       time.Duration `mapstructure:"pulse"`
	Throttle    time.Duration `mapstructure:"throttle"`
	MQTT        MQTTSettings  `mapstructure:"mqtt"`
}

type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

type OverlaySettings struct {
	Interval time.Duration `mapstructure:"interval"`
	Window   time.Duration `mapstructure:"window"`
	Images   []string      `mapstructure:"images"`
}

type AssetStoreSettings struct {
	BaseURL      string `mapstructure:"base_url"`
	CloudName    string `mapstructure:"cloud_name"`
	UploadPreset string `mapstructure:"upload_preset"`
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
}

type PostProcessSettings struct {
	// ForwarderURL points at a remote /api/process-video service. Empty
	// means the transform runs in-process against the asset store.
	ForwarderURL string        `mapstructure:"forwarder_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.path", "collicam.db")
	v.SetDefault("database.collision_retention", "168h")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry", 24*time.Hour)

	v.SetDefault("camera.front_id", "")
	v.SetDefault("camera.back_id", "")
	v.SetDefault("camera.require_pair", false)

	v.SetDefault("recording.max_duration", 30*time.Second)
	v.SetDefault("recording.advisory_after", 10*time.Second)
	v.SetDefault("recording.tick_interval", time.Second)
	v.SetDefault("recording.mime_type", "video/webm")
	v.SetDefault("recording.ffmpeg_path", "ffmpeg")
	v.SetDefault("recording.fps", 15)

	v.SetDefault("detection.enabled", true)
	v.SetDefault("detection.backends", []string{"grpc", "http"})
	v.SetDefault("detection.grpc_endpoint", "localhost:50051")
	v.SetDefault("detection.http_endpoint", "http://localhost:8000")
	v.SetDefault("detection.conf_threshold", 0.5)
	v.SetDefault("detection.min_score", 0.0)
	v.SetDefault("detection.timeout", 2*time.Second)
	v.SetDefault("detection.tick_interval", time.Second/60)
	v.SetDefault("detection.collision_mode", "any")
	v.SetDefault("detection.collision_classes", []string{})

	v.SetDefault("alert.haptic", true)
	v.SetDefault("alert.vibrator_dir", "/sys/class/leds/vibrator")
	v.SetDefault("alert.pulse", 200*time.Millisecond)
	v.SetDefault("alert.throttle", time.Second)
	v.SetDefault("alert.mqtt.enabled", false)
	v.SetDefault("alert.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("alert.mqtt.client_id", "collicam")
	v.SetDefault("alert.mqtt.username", "")
	v.SetDefault("alert.mqtt.password", "")
	v.SetDefault("alert.mqtt.topic", "collicam/collisions")
	v.SetDefault("alert.mqtt.qos", 0)

	v.SetDefault("overlay.interval", 10*time.Second)
	v.SetDefault("overlay.window", 3*time.Second)
	v.SetDefault("overlay.images", []string{})

	v.SetDefault("assetstore.base_url", "https://api.cloudinary.com/v1_1")
	v.SetDefault("assetstore.cloud_name", "")
	v.SetDefault("assetstore.upload_preset", "")
	v.SetDefault("assetstore.api_key", "")
	v.SetDefault("assetstore.api_secret", "")

	v.SetDefault("postprocess.forwarder_url", "")
	v.SetDefault("postprocess.timeout", 5*time.Minute)
	v.SetDefault("postprocess.cache_ttl", time.Hour)
}

// Load reads configuration into v and decodes it. An empty path searches
// collicam.yaml in the working directory and /etc/collicam; a missing
// file is not an error unless the path was given explicitly.
func Load(v *viper.Viper, path string) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collicam")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/collicam")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// Validate checks settings for values the components cannot work with
func Validate(s *Settings) error {
	var errs []error
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.Recording.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("recording.max_duration must be positive"))
	}
	if s.Recording.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("recording.tick_interval must be positive"))
	}
	if s.Detection.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("detection.tick_interval must be positive"))
	}
	switch s.Detection.CollisionMode {
	case "", "any":
	case "allow_list":
		if len(s.Detection.CollisionClasses) == 0 {
			errs = append(errs, fmt.Errorf("detection.collision_classes required for allow_list mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detection.collision_mode %q", s.Detection.CollisionMode))
	}
	for _, b := range s.Detection.Backends {
		if b != "grpc" && b != "http" {
			errs = append(errs, fmt.Errorf("unknown detection backend %q", b))
		}
	}
	if s.Overlay.Interval <= 0 || s.Overlay.Window < 0 {
		errs = append(errs, fmt.Errorf("overlay interval must be positive and window non-negative"))
	}
	if s.Alert.MQTT.QoS < 0 || s.Alert.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("alert.mqtt.qos must be 0, 1 or 2"))
	}
	if s.Auth.Enabled && s.Auth.Password == "" {
		errs = append(errs, fmt.Errorf("auth.password required when auth is enabled"))
	}
	return errors.Join(errs...)
}
