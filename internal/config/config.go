// Package config loads daemon settings from defaults, an optional YAML file,
// a .env file and WORKCHAT_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/whisper/workchat/internal/restapi"
	"github.com/whisper/workchat/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. WORKCHAT_AUTH_CREDENTIAL.
const EnvPrefix = "WORKCHAT"

// Transport kinds.
const (
	TransportWebSocket = "ws"
	TransportNATS      = "nats"
)

// Outbox kinds.
const (
	OutboxMemory = "memory"
	OutboxRedis  = "redis"
)

type ServerConfig struct {
	Transport  string `mapstructure:"transport"` // ws | nats
	WSURL      string `mapstructure:"ws_url"`
	NATSURL    string `mapstructure:"nats_url"`
	NATSPrefix string `mapstructure:"nats_prefix"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

type AuthConfig struct {
	Credential string `mapstructure:"credential"`
	UserID     string `mapstructure:"user_id"` // derived from the credential when empty
}

type TransportConfig struct {
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	APITimeout        time.Duration `mapstructure:"api_timeout"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	PageSize          int           `mapstructure:"page_size"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
}

type TypingConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Throttle time.Duration `mapstructure:"throttle"`
}

type OutboxConfig struct {
	Kind          string `mapstructure:"kind"` // memory | redis
	Capacity      int    `mapstructure:"capacity"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Buffer  int    `mapstructure:"buffer"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the metrics listener
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Transport TransportConfig `mapstructure:"transport"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	ws := transport.DefaultConfig()
	nc := transport.DefaultNATSConfig()
	api := restapi.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Transport:  TransportWebSocket,
			WSURL:      ws.URL,
			NATSURL:    nc.URL,
			NATSPrefix: nc.Prefix,
			APIBaseURL: api.BaseURL,
		},
		Transport: TransportConfig{
			DialTimeout:       ws.DialTimeout,
			WriteTimeout:      ws.WriteTimeout,
			AckTimeout:        ws.AckTimeout,
			HeartbeatInterval: ws.Heartbeat.Interval,
			HeartbeatTimeout:  ws.Heartbeat.Timeout,
			BackoffInitial:    ws.Backoff.Initial,
			BackoffMax:        ws.Backoff.Max,
			APITimeout:        api.Timeout,
			FetchTimeout:      15 * time.Second,
			PageSize:          30,
			MaxFrameBytes:     ws.MaxFrameBytes,
		},
		Typing: TypingConfig{
			TTL:      3 * time.Second,
			Throttle: 2 * time.Second,
		},
		Outbox: OutboxConfig{
			Kind:      OutboxMemory,
			Capacity:  200,
			RedisAddr: "localhost:6379",
		},
		Archive: ArchiveConfig{
			Buffer: 1024,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, WORKCHAT_CONFIG is consulted. A .env file in the working directory
// is loaded into the environment first if present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if c.Auth.UserID == "" && c.Auth.Credential != "" {
		id, err := UserIDFromToken(c.Auth.Credential)
		if err != nil {
			return Config{}, fmt.Errorf("config: auth.user_id not set: %w", err)
		}
		c.Auth.UserID = id
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// setDefaults registers every key so environment variables can override
// keys that appear in no config file.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]interface{}{
		"server.transport":             d.Server.Transport,
		"server.ws_url":                d.Server.WSURL,
		"server.nats_url":              d.Server.NATSURL,
		"server.nats_prefix":           d.Server.NATSPrefix,
		"server.api_base_url":          d.Server.APIBaseURL,
		"auth.credential":              d.Auth.Credential,
		"auth.user_id":                 d.Auth.UserID,
		"transport.dial_timeout":       d.Transport.DialTimeout,
		"transport.write_timeout":      d.Transport.WriteTimeout,
		"transport.ack_timeout":        d.Transport.AckTimeout,
		"transport.heartbeat_interval": d.Transport.HeartbeatInterval,
		"transport.heartbeat_timeout":  d.Transport.HeartbeatTimeout,
		"transport.backoff_initial":    d.Transport.BackoffInitial,
		"transport.backoff_max":        d.Transport.BackoffMax,
		"transport.api_timeout":        d.Transport.APITimeout,
		"transport.fetch_timeout":      d.Transport.FetchTimeout,
		"transport.page_size":          d.Transport.PageSize,
		"transport.max_frame_bytes":    d.Transport.MaxFrameBytes,
		"typing.ttl":                   d.Typing.TTL,
		"typing.throttle":              d.Typing.Throttle,
		"outbox.kind":                  d.Outbox.Kind,
		"outbox.capacity":              d.Outbox.Capacity,
		"outbox.redis_addr":            d.Outbox.RedisAddr,
		"outbox.redis_password":        d.Outbox.RedisPassword,
		"outbox.redis_db":              d.Outbox.RedisDB,
		"archive.enabled":              d.Archive.Enabled,
		"archive.dsn":                  d.Archive.DSN,
		"archive.buffer":               d.Archive.Buffer,
		"metrics.addr":                 d.Metrics.Addr,
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Server.Transport {
	case TransportWebSocket:
		if c.Server.WSURL == "" {
			return errors.New("config: server.ws_url is required")
		}
	case TransportNATS:
		if c.Server.NATSURL == "" {
			return errors.New("config: server.nats_url is required")
		}
		if c.Auth.UserID == "" {
			return errors.New("config: auth.user_id is required for the nats transport")
		}
	default:
		return fmt.Errorf("config: unknown server.transport %q", c.Server.Transport)
	}
	if c.Server.APIBaseURL == "" {
		return errors.New("config: server.api_base_url is required")
	}
	if c.Auth.Credential == "" {
		return errors.New("config: auth.credential is required")
	}
	if c.Transport.BackoffInitial <= 0 || c.Transport.BackoffMax < c.Transport.BackoffInitial {
		return fmt.Errorf("config: invalid backoff bounds %s..%s", c.Transport.BackoffInitial, c.Transport.BackoffMax)
	}
	if c.Transport.AckTimeout <= 0 {
		return errors.New("config: transport.ack_timeout must be positive")
	}
	if c.Transport.PageSize <= 0 {
		return errors.New("config: transport.page_size must be positive")
	}
	switch c.Outbox.Kind {
	case OutboxMemory:
	case OutboxRedis:
		if c.Outbox.RedisAddr == "" {
			return errors.New("config: outbox.redis_addr is required for the redis outbox")
		}
	default:
		return fmt.Errorf("config: unknown outbox.kind %q", c.Outbox.Kind)
	}
	if c.Outbox.Capacity <= 0 {
		return errors.New("config: outbox.capacity must be positive")
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return errors.New("config: archive.dsn is required when the archive is enabled")
	}
	return nil
}

// WebSocket returns the websocket transport settings.
func (c Config) WebSocket() transport.Config {
	return transport.Config{
		URL:           c.Server.WSURL,
		DialTimeout:   c.Transport.DialTimeout,
		WriteTimeout:  c.Transport.WriteTimeout,
		AckTimeout:    c.Transport.AckTimeout,
		MaxFrameBytes: c.Transport.MaxFrameBytes,
		Heartbeat: transport.HeartbeatConfig{
			Interval: c.Transport.HeartbeatInterval,
			Timeout:  c.Transport.HeartbeatTimeout,
		},
		Backoff: transport.BackoffConfig{
			Initial: c.Transport.BackoffInitial,
			Max:     c.Transport.BackoffMax,
		},
	}
}

// NATS returns the NATS transport settings.
func (c Config) NATS() transport.NATSConfig {
	nc := transport.DefaultNATSConfig()
	nc.URL = c.Server.NATSURL
	nc.Prefix = c.Server.NATSPrefix
	nc.UserID = c.Auth.UserID
	nc.AckTimeout = c.Transport.AckTimeout
	return nc
}

// REST returns the REST client settings.
func (c Config) REST() restapi.Config {
	rc := restapi.DefaultConfig()
	rc.BaseURL = c.Server.APIBaseURL
	rc.Timeout = c.Transport.APITimeout
	return rc
}
