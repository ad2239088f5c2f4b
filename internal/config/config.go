// Package config loads and validates relay configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. PROGRESSRELAY_LISTENER_ADDR.
const EnvPrefix = "PROGRESSRELAY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Listener ListenerConfig `mapstructure:"listener"`
	Emitter  EmitterConfig  `mapstructure:"emitter"`
	Server   ServerConfig   `mapstructure:"server"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ListenerConfig controls the UDP progress socket.
type ListenerConfig struct {
	Addr                 string        `mapstructure:"addr"`
	MaxDatagramBytes     int           `mapstructure:"max_datagram_bytes"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
}

// EmitterConfig controls the event hub.
type EmitterConfig struct {
	Topic             string        `mapstructure:"topic"`
	BufferSize        int           `mapstructure:"buffer_size"`
	SubscriberTimeout time.Duration `mapstructure:"subscriber_timeout"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PubSubConfig holds the relay destination for frames.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// LogFrames attaches a log subscriber that prints every frame.
	LogFrames bool `mapstructure:"log_frames"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listener.addr", "0.0.0.0:25527")
	v.SetDefault("listener.max_datagram_bytes", 512)
	v.SetDefault("listener.poll_interval", 250*time.Millisecond)
	v.SetDefault("listener.max_consecutive_errors", 5)
	v.SetDefault("listener.error_backoff", 50*time.Millisecond)
	v.SetDefault("emitter.topic", "ffmpeg_stats")
	v.SetDefault("emitter.buffer_size", 256)
	v.SetDefault("emitter.subscriber_timeout", 2*time.Second)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.log_frames", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listener.Addr); err != nil {
		return fmt.Errorf("listener.addr must be host:port: %w", err)
	}
	if c.Listener.MaxDatagramBytes <= 0 || c.Listener.MaxDatagramBytes > 65507 {
		return errors.New("listener.max_datagram_bytes must be between 1 and 65507")
	}
	if c.Listener.PollInterval <= 0 {
		return errors.New("listener.poll_interval must be > 0")
	}
	if c.Listener.MaxConsecutiveErrors <= 0 {
		return errors.New("listener.max_consecutive_errors must be > 0")
	}
	if c.Listener.ErrorBackoff < 0 {
		return errors.New("listener.error_backoff must be >= 0")
	}
	if c.Emitter.Topic == "" {
		return errors.New("emitter.topic must be set")
	}
	if c.Emitter.BufferSize <= 0 {
		return errors.New("emitter.buffer_size must be > 0")
	}
	if c.Emitter.SubscriberTimeout <= 0 {
		return errors.New("emitter.subscriber_timeout must be > 0")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}
