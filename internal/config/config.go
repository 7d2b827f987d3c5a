package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix namespaces every environment variable read by the binaries.
const EnvPrefix = "CHATROOM"

// Store drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// AI providers.
const (
	ProviderNone      = "none"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Driver          string
	Dir             string
	SQLitePath      string
	DatabaseURL     string
	RedisURL        string
	QueueSize       int
	CompactInterval time.Duration
}

// SessionConfig tunes the session registry and its liveness monitor.
type SessionConfig struct {
	SweepInterval   time.Duration
	LivenessTimeout time.Duration
	TokenTTL        time.Duration
}

// AIConfig selects the text generation backend for AI rooms.
type AIConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	QueueSize int
}

// LimitsConfig holds per-connection protocol limits.
type LimitsConfig struct {
	MsgRate       float64
	MsgBurst      int
	MaxLineBytes  int
	OutgoingQueue int
	AuthTimeout   time.Duration
}

// Server holds all configuration for the chat server.
type Server struct {
	Addr       string
	AdminAddr  string
	Env        string
	LogLevel   string
	BcryptCost int

	Store   StoreConfig
	Session SessionConfig
	AI      AIConfig
	Limits  LimitsConfig
}

// IsDevelopment returns true if running in development mode.
func (c *Server) IsDevelopment() bool {
	return c.Env == "development"
}

// Client holds configuration for the interactive client.
type Client struct {
	Addr              string
	User              string
	Password          string
	LogLevel          string
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
	DialTimeout       time.Duration
}

// New returns a viper instance wired to the environment. A .env file in the
// working directory is loaded first if it exists.
func New() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer())
	v.AutomaticEnv()
	return v
}

func envReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// ReadFile merges an optional config file (toml, yaml or json) into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// SetServerDefaults registers every server key so env lookups work for all of them.
func SetServerDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":9000")
	v.SetDefault("admin_addr", ":9100")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)

	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.dir", "./chatdata")
	v.SetDefault("store.sqlite_path", "./chatdata/chat.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.queue_size", 1024)
	v.SetDefault("store.compact_interval", 5*time.Minute)

	v.SetDefault("session.sweep_interval", 5*time.Second)
	v.SetDefault("session.liveness_timeout", 15*time.Second)
	v.SetDefault("session.token_ttl", 30*time.Minute)

	v.SetDefault("ai.provider", ProviderNone)
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.queue_size", 16)

	v.SetDefault("limits.msg_rate", 5.0)
	v.SetDefault("limits.msg_burst", 10)
	v.SetDefault("limits.max_line_bytes", 16*1024)
	v.SetDefault("limits.outgoing_queue", 256)
	v.SetDefault("limits.auth_timeout", 30*time.Second)
}

// SetClientDefaults registers every client key.
func SetClientDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:9000")
	v.SetDefault("user", "")
	v.SetDefault("password", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("max_retries", 10)
	v.SetDefault("dial_timeout", 5*time.Second)
}

// LoadServer reads and validates the server configuration.
func LoadServer(v *viper.Viper) (*Server, error) {
	cfg := &Server{
		Addr:       v.GetString("addr"),
		AdminAddr:  v.GetString("admin_addr"),
		Env:        v.GetString("env"),
		LogLevel:   v.GetString("log_level"),
		BcryptCost: v.GetInt("auth.bcrypt_cost"),
		Store: StoreConfig{
			Driver:          strings.ToLower(v.GetString("store.driver")),
			Dir:             v.GetString("store.dir"),
			SQLitePath:      v.GetString("store.sqlite_path"),
			DatabaseURL:     v.GetString("store.database_url"),
			RedisURL:        v.GetString("store.redis_url"),
			QueueSize:       v.GetInt("store.queue_size"),
			CompactInterval: v.GetDuration("store.compact_interval"),
		},
		Session: SessionConfig{
			SweepInterval:   v.GetDuration("session.sweep_interval"),
			LivenessTimeout: v.GetDuration("session.liveness_timeout"),
			TokenTTL:        v.GetDuration("session.token_ttl"),
		},
		AI: AIConfig{
			Provider:  strings.ToLower(v.GetString("ai.provider")),
			Model:     v.GetString("ai.model"),
			BaseURL:   v.GetString("ai.base_url"),
			APIKey:    v.GetString("ai.api_key"),
			Timeout:   v.GetDuration("ai.timeout"),
			QueueSize: v.GetInt("ai.queue_size"),
		},
		Limits: LimitsConfig{
			MsgRate:       v.GetFloat64("limits.msg_rate"),
			MsgBurst:      v.GetInt("limits.msg_burst"),
			MaxLineBytes:  v.GetInt("limits.max_line_bytes"),
			OutgoingQueue: v.GetInt("limits.outgoing_queue"),
			AuthTimeout:   v.GetDuration("limits.auth_timeout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Server) validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}

	switch c.Store.Driver {
	case DriverFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file store"))
		}
	case DriverSQLite, DriverSQLite3:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for postgres"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	// In production, require a database backed store
	if c.Env == "production" && c.Store.Driver == DriverFile {
		errs = append(errs, errors.New("production requires a database store driver"))
	}

	switch c.AI.Provider {
	case ProviderNone, ProviderOllama:
	case ProviderOpenAI, ProviderAnthropic:
		if c.AI.APIKey == "" {
			errs = append(errs, fmt.Errorf("ai.api_key is required for %s", c.AI.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ai.provider %q", c.AI.Provider))
	}

	positive := map[string]time.Duration{
		"session.sweep_interval":   c.Session.SweepInterval,
		"session.liveness_timeout": c.Session.LivenessTimeout,
		"session.token_ttl":        c.Session.TokenTTL,
		"ai.timeout":               c.AI.Timeout,
		"store.compact_interval":   c.Store.CompactInterval,
		"limits.auth_timeout":      c.Limits.AuthTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Store.QueueSize <= 0 || c.AI.QueueSize <= 0 || c.Limits.OutgoingQueue <= 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.Limits.MsgRate <= 0 || c.Limits.MsgBurst <= 0 {
		errs = append(errs, errors.New("limits.msg_rate and limits.msg_burst must be positive"))
	}
	if c.Limits.MaxLineBytes < 256 {
		errs = append(errs, errors.New("limits.max_line_bytes must be at least 256"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}

	return errors.Join(errs...)
}

// LoadClient reads and validates the client configuration.
func LoadClient(v *viper.Viper) (*Client, error) {
	cfg := &Client{
		Addr:              v.GetString("addr"),
		User:              v.GetString("user"),
		Password:          v.GetString("password"),
		LogLevel:          v.GetString("log_level"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		RetryDelay:        v.GetDuration("retry_delay"),
		MaxRetries:        v.GetInt("max_retries"),
		DialTimeout:       v.GetDuration("dial_timeout"),
	}

	var errs []error
	if cfg.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if cfg.User == "" || cfg.Password == "" {
		errs = append(errs, errors.New("user and password are required"))
	}
	if cfg.HeartbeatInterval <= 0 || cfg.RetryDelay <= 0 || cfg.DialTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat_interval, retry_delay and dial_timeout must be positive"))
	}
	if cfg.MaxRetries <= 0 {
		errs = append(errs, errors.New("max_retries must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}
