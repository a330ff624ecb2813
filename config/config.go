package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Auth      AuthConfig      `mapstructure:"auth"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	TCPAddr       string        `mapstructure:"tcp_addr"`
	HTTPAddr      string        `mapstructure:"http_addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ControlSocket string        `mapstructure:"control_socket"`
	SendBuffer    int           `mapstructure:"send_buffer"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite, postgres or redis
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPass   string `mapstructure:"redis_password"`
	RedisDB     int    `mapstructure:"redis_db"`
}

type CryptoConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenExpire time.Duration `mapstructure:"token_expire"`
}

type NATSConfig struct {
	URL             string        `mapstructure:"url"`
	PresenceSubject string        `mapstructure:"presence_subject"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
}

type DeliveryConfig struct {
	// PersistOnPushFailure queues a live send whose push failed instead of dropping it.
	PersistOnPushFailure bool `mapstructure:"persist_on_push_failure"`
}

type RateLimitConfig struct {
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.tcp_addr", ":3215")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", 120*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.control_socket", "/tmp/chatrelay.sock")
	v.SetDefault("server.send_buffer", 256)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "chatrelay.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)

	v.SetDefault("crypto.encryption_key", "")

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_expire", 24*time.Hour)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.presence_subject", "chatrelay.presence")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("delivery.persist_on_push_failure", false)

	v.SetDefault("ratelimit.rps", 20.0)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads defaults, then the optional YAML file at path, then RELAY_*
// environment variables. ENCRYPTION_KEY is honoured as an alias for the key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("crypto.encryption_key", envPrefix+"_CRYPTO_ENCRYPTION_KEY", "ENCRYPTION_KEY"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Server.TCPAddr == "" && c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("at least one of server.tcp_addr and server.http_addr must be set"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
