package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CHUNKRELAY_SESSIONS_TIMEOUT=30m.
const EnvPrefix = "CHUNKRELAY"

var (
	ErrTokenFile  = errors.New("cannot read token file")
	ErrEmptyToken = errors.New("token file is empty")
)

type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database"`
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Sessions  *SessionsConfig  `mapstructure:"sessions"`
	Delivery  *DeliveryConfig  `mapstructure:"delivery"`
	Transport *TransportConfig `mapstructure:"transport"`
	Storage   *StorageConfig   `mapstructure:"storage"`
	Log       *LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr is the listen address for the HTTP server.
func (h *HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

// SessionsConfig controls how long an open session may live and how often
// stale ones are swept.
type SessionsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type DeliveryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

type TransportConfig struct {
	TokenFile          string  `mapstructure:"token_file"`
	ParentCategory     string  `mapstructure:"parent_category"`
	AllowChannelCreate bool    `mapstructure:"allow_channel_create"`
	PublicBaseURL      string  `mapstructure:"public_base_url"`
	EventsPerSecond    float64 `mapstructure:"events_per_second"`
	EventBurst         int     `mapstructure:"event_burst"`
}

type StorageConfig struct {
	Backend string    `mapstructure:"backend"`
	Dir     string    `mapstructure:"dir"`
	S3      *S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	Prefix       string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./chunkrelay.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Sessions: &SessionsConfig{
			Timeout:       time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Delivery: &DeliveryConfig{
			MaxAttempts: 3,
			Delay:       5 * time.Second,
		},
		Transport: &TransportConfig{
			TokenFile:          "./token",
			ParentCategory:     "uploads",
			AllowChannelCreate: true,
			PublicBaseURL:      "http://localhost:8080",
			EventsPerSecond:    10,
			EventBurst:         20,
		},
		Storage: &StorageConfig{
			Backend: "local",
			Dir:     "./data/files",
			S3: &S3Config{
				Region: "us-east-1",
			},
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Sessions == nil ||
		c.Delivery == nil || c.Transport == nil || c.Storage == nil || c.Log == nil {
		return fmt.Errorf("configuration is incomplete")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Sessions.Timeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery attempts must be at least 1")
	}
	if c.Delivery.Delay < 0 {
		return fmt.Errorf("delivery delay cannot be negative")
	}

	if c.Transport.TokenFile == "" {
		return fmt.Errorf("token file cannot be empty")
	}
	if c.Transport.ParentCategory == "" {
		return fmt.Errorf("parent category cannot be empty")
	}
	if c.Transport.EventsPerSecond <= 0 || c.Transport.EventBurst <= 0 {
		return fmt.Errorf("event rate limit must be positive")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage dir cannot be empty for the local backend")
		}
	case "s3":
		if c.Storage.S3 == nil || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}

// NewViper returns a viper instance seeded with the defaults and wired to the
// CHUNKRELAY_ environment. Callers may bind command line flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)

	v.SetDefault("sessions.timeout", d.Sessions.Timeout)
	v.SetDefault("sessions.sweep_interval", d.Sessions.SweepInterval)

	v.SetDefault("delivery.max_attempts", d.Delivery.MaxAttempts)
	v.SetDefault("delivery.delay", d.Delivery.Delay)

	v.SetDefault("transport.token_file", d.Transport.TokenFile)
	v.SetDefault("transport.parent_category", d.Transport.ParentCategory)
	v.SetDefault("transport.allow_channel_create", d.Transport.AllowChannelCreate)
	v.SetDefault("transport.public_base_url", d.Transport.PublicBaseURL)
	v.SetDefault("transport.events_per_second", d.Transport.EventsPerSecond)
	v.SetDefault("transport.event_burst", d.Transport.EventBurst)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.s3.bucket", d.Storage.S3.Bucket)
	v.SetDefault("storage.s3.region", d.Storage.S3.Region)
	v.SetDefault("storage.s3.endpoint", d.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.access_key", d.Storage.S3.AccessKey)
	v.SetDefault("storage.s3.secret_key", d.Storage.S3.SecretKey)
	v.SetDefault("storage.s3.use_path_style", d.Storage.S3.UsePathStyle)
	v.SetDefault("storage.s3.prefix", d.Storage.S3.Prefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Load resolves configuration with the precedence flags > env > file >
// defaults. An empty path skips the file. The result is validated.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// ReadToken reads the gateway bearer token. Surrounding whitespace is dropped.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrTokenFile, path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyToken, path)
	}
	return token, nil
}
