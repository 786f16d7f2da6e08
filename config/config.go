// Package config loads client configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_CHANNEL_URL
// for channel.url.
const EnvPrefix = "CHATSYNC"

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config is the full client configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	User     UserConfig     `mapstructure:"user"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Auth     AuthConfig     `mapstructure:"auth"`
	History  HistoryConfig  `mapstructure:"history"`
	Session  SessionConfig  `mapstructure:"session"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Presence PresenceConfig `mapstructure:"presence"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	// Rooms are joined at startup.
	Rooms []string `mapstructure:"rooms"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type UserConfig struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
}

type ChannelConfig struct {
	// Transport is "websocket" or "mqtt".
	Transport   string        `mapstructure:"transport"`
	URL         string        `mapstructure:"url"`
	Broker      string        `mapstructure:"broker"`
	UseTLS      bool          `mapstructure:"use_tls"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
}

type AuthConfig struct {
	Token        string `mapstructure:"token"`
	RefreshURL   string `mapstructure:"refresh_url"`
	RefreshToken string `mapstructure:"refresh_token"`
}

type HistoryConfig struct {
	URL         string `mapstructure:"url"`
	PageSize    int    `mapstructure:"page_size"`
	MaxMessages int    `mapstructure:"max_messages"`
}

type SessionConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SyncConfig struct {
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	MaxForwardGap   time.Duration `mapstructure:"max_forward_gap"`
	MaxBackwardSkew time.Duration `mapstructure:"max_backward_skew"`
	ResyncTimeout   time.Duration `mapstructure:"resync_timeout"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	MaxEntries      int           `mapstructure:"max_entries"`
	NoticeTTL       time.Duration `mapstructure:"notice_ttl"`
}

type PresenceConfig struct {
	TypingIdleTimeout time.Duration `mapstructure:"typing_idle_timeout"`
	TypingStopAfter   time.Duration `mapstructure:"typing_stop_after"`
	AnnounceInterval  time.Duration `mapstructure:"announce_interval"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("channel.transport", TransportWebSocket)
	v.SetDefault("channel.topic_prefix", "chat")
	v.SetDefault("channel.ping_period", 30*time.Second)
	v.SetDefault("history.page_size", 50)
	v.SetDefault("history.max_messages", 200)
	v.SetDefault("session.max_attempts", 5)
	v.SetDefault("session.backoff_min", time.Second)
	v.SetDefault("session.backoff_max", 30*time.Second)
	v.SetDefault("session.connect_timeout", 15*time.Second)
	v.SetDefault("sync.duplicate_window", 5*time.Second)
	v.SetDefault("sync.max_forward_gap", 60*time.Second)
	v.SetDefault("sync.max_backward_skew", 5*time.Second)
	v.SetDefault("sync.resync_timeout", 10*time.Second)
	v.SetDefault("sync.delivery_timeout", 15*time.Second)
	v.SetDefault("sync.max_entries", 500)
	v.SetDefault("sync.notice_ttl", 5*time.Second)
	v.SetDefault("presence.typing_idle_timeout", 6*time.Second)
	v.SetDefault("presence.typing_stop_after", 2*time.Second)
	v.SetDefault("presence.announce_interval", 30*time.Second)
	// Keys without a real default must still be known to viper for env
	// overrides to reach Unmarshal.
	for _, k := range []string{
		"user.id", "user.display_name", "channel.url", "channel.broker",
		"auth.token", "auth.refresh_url", "auth.refresh_token", "history.url",
		"metrics.listen",
	} {
		v.SetDefault(k, "")
	}
	v.SetDefault("channel.use_tls", false)
	v.SetDefault("rooms", []string{})
}

// Load reads the YAML file at path, if any, then applies CHATSYNC_*
// environment overrides. An empty path searches ./chatsync.yaml and
// ./config/chatsync.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case path != "" && errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config file %s: %w", path, err)
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields required to start a client.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return errors.New("user.id is required")
	}
	switch c.Channel.Transport {
	case TransportWebSocket:
		if c.Channel.URL == "" {
			return errors.New("channel.url is required for the websocket transport")
		}
	case TransportMQTT:
		if c.Channel.Broker == "" {
			return errors.New("channel.broker is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("unknown channel.transport %q", c.Channel.Transport)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
