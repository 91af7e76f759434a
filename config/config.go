package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bt-bridge/meshcall"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	EnvPrefix   = "MESHCALL"
	EnvFile     = "MESHCALL_CONFIG"
	DefaultFile = "config/meshcall.yaml"
)

type Server struct {
	SignalingURL string        `mapstructure:"signaling_url" yaml:"signaling_url"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

type Signaling struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

type Media struct {
	Width      int           `mapstructure:"width" yaml:"width"`
	Height     int           `mapstructure:"height" yaml:"height"`
	FrameRate  float64       `mapstructure:"frame_rate" yaml:"frame_rate"`
	SampleRate int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int           `mapstructure:"channels" yaml:"channels"`
	Retries    int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

type Mesh struct {
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	StaggerBase time.Duration `mapstructure:"stagger_base" yaml:"stagger_base"`
	StaggerStep time.Duration `mapstructure:"stagger_step" yaml:"stagger_step"`
	PLIInterval time.Duration `mapstructure:"pli_interval" yaml:"pli_interval"`
}

type Session struct {
	DisplayName      string        `mapstructure:"display_name" yaml:"display_name"`
	RoomID           string        `mapstructure:"room_id" yaml:"room_id"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout" yaml:"admission_timeout"`
}

type ICE struct {
	URLs       []string `mapstructure:"urls" yaml:"urls"`
	Username   string   `mapstructure:"username" yaml:"username"`
	Credential string   `mapstructure:"credential" yaml:"credential"`
}

type Log struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Level      string `mapstructure:"level" yaml:"level"`
}

type Config struct {
	Server    Server    `mapstructure:"server" yaml:"server"`
	Signaling Signaling `mapstructure:"signaling" yaml:"signaling"`
	Media     Media     `mapstructure:"media" yaml:"media"`
	Mesh      Mesh      `mapstructure:"mesh" yaml:"mesh"`
	Session   Session   `mapstructure:"session" yaml:"session"`
	ICE       ICE       `mapstructure:"ice" yaml:"ice"`
	Log       Log       `mapstructure:"log" yaml:"log"`

	// Source is the file the values came from, empty when only defaults and
	// the environment were used.
	Source string `mapstructure:"-" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.signaling_url", "ws://localhost:5000/ws")
	v.SetDefault("server.base_url", "http://localhost:5000")
	v.SetDefault("server.probe_timeout", "5s")

	v.SetDefault("signaling.connect_timeout", "20s")
	v.SetDefault("signaling.reconnect_attempts", 5)
	v.SetDefault("signaling.reconnect_base", "1s")
	v.SetDefault("signaling.reconnect_max", "5s")
	v.SetDefault("signaling.heartbeat_interval", "25s")

	v.SetDefault("media.width", 1280)
	v.SetDefault("media.height", 720)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.sample_rate", 48000)
	v.SetDefault("media.channels", 1)
	v.SetDefault("media.retries", 2)
	v.SetDefault("media.retry_delay", "1s")

	v.SetDefault("mesh.call_timeout", "30s")
	v.SetDefault("mesh.stagger_base", "1s")
	v.SetDefault("mesh.stagger_step", "1s")
	v.SetDefault("mesh.pli_interval", "3s")

	v.SetDefault("session.display_name", "")
	v.SetDefault("session.room_id", "")
	v.SetDefault("session.retry_delay", "2s")
	v.SetDefault("session.admission_timeout", "15s")

	v.SetDefault("ice.urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.username", "")
	v.SetDefault("ice.credential", "")

	v.SetDefault("log.file", "cli/meshcall.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 2)
	v.SetDefault("log.max_age_days", 3)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.level", "info")
}

// Load layers defaults, an optional YAML file and MESHCALL_* environment
// variables, in that order. path overrides MESHCALL_CONFIG; a missing file
// is only an error when it was asked for explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvFile); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultFile
		}
	}
	v.SetConfigFile(path)

	source := path
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		source = ""
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Source = source
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.SignalingURL == "" {
		errs = append(errs, errors.New("server.signaling_url is empty"))
	}
	if c.Signaling.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("signaling.reconnect_attempts is negative"))
	}
	if c.Media.FrameRate < 0 || c.Media.Width < 0 || c.Media.Height < 0 {
		errs = append(errs, errors.New("media dimensions must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// LogLevel is the parsed log.level; Validate has already vetted it.
func (c *Config) LogLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func (c *Config) ICEServers() []webrtc.ICEServer {
	if len(c.ICE.URLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       append([]string(nil), c.ICE.URLs...),
		Username:   c.ICE.Username,
		Credential: c.ICE.Credential,
	}}
}

// SessionConfig converts to the session's own configuration.
func (c *Config) SessionConfig() meshcall.SessionConfig {
	sc := meshcall.DefaultSessionConfig(c.Server.SignalingURL)
	sc.DisplayName = c.Session.DisplayName
	sc.RoomID = c.Session.RoomID
	sc.RetryDelay = c.Session.RetryDelay
	sc.AdmissionTimeout = c.Session.AdmissionTimeout

	sc.Signaling.ConnectTimeout = c.Signaling.ConnectTimeout
	sc.Signaling.ReconnectAttempts = c.Signaling.ReconnectAttempts
	sc.Signaling.ReconnectBase = c.Signaling.ReconnectBase
	sc.Signaling.ReconnectMax = c.Signaling.ReconnectMax
	sc.Signaling.HeartbeatInterval = c.Signaling.HeartbeatInterval

	sc.Media.Constraints.Width = c.Media.Width
	sc.Media.Constraints.Height = c.Media.Height
	sc.Media.Constraints.FrameRate = c.Media.FrameRate
	sc.Media.Constraints.SampleRate = c.Media.SampleRate
	sc.Media.Constraints.ChannelCount = c.Media.Channels
	sc.Media.Retries = c.Media.Retries
	sc.Media.RetryDelay = c.Media.RetryDelay

	sc.Mesh.CallTimeout = c.Mesh.CallTimeout
	sc.Mesh.StaggerBase = c.Mesh.StaggerBase
	sc.Mesh.StaggerStep = c.Mesh.StaggerStep

	sc.RTC.ICEServers = c.ICEServers()
	sc.RTC.PLIInterval = c.Mesh.PLIInterval
	return sc
}

// YAML renders the effective configuration for display.
func (c *Config) YAML() ([]byte, error) {
	return yaml.MarshalWithOptions(c, yaml.Indent(2))
}
