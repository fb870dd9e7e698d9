package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/radpeer/radpeer/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Locks     LockConfig      `yaml:"locks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"RADPEER_SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"RADPEER_SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"RADPEER_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"RADPEER_SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"RADPEER_SERVER_IDLE_TIMEOUT"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"RADPEER_REDIS_HOST"`
	Port     string `yaml:"port" env:"RADPEER_REDIS_PORT"`
	Password string `yaml:"password" env:"RADPEER_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"RADPEER_REDIS_DB"`
}

// AuthConfig holds bearer token validation configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" env:"RADPEER_JWT_SECRET"`
	JWTDuration time.Duration `yaml:"jwt_duration" env:"RADPEER_JWT_DURATION"`
}

// WebSocketConfig holds collaboration hub configuration
type WebSocketConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"RADPEER_WS_INACTIVITY_TIMEOUT"`
	ReadLimitBytes    int64         `yaml:"read_limit_bytes" env:"RADPEER_WS_READ_LIMIT_BYTES"`
}

// LockConfig holds annotation lock configuration
type LockConfig struct {
	// TTL is the server-side expiry backstop for a held lock
	TTL time.Duration `yaml:"ttl" env:"RADPEER_LOCK_TTL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"RADPEER_LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"RADPEER_LOG_DEV"`
	LogDir           string `yaml:"log_dir" env:"RADPEER_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"RADPEER_LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"RADPEER_LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"RADPEER_LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"console" env:"RADPEER_LOG_CONSOLE"`
}

// Load reads configuration from an optional YAML file and then applies
// environment variable overrides.
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Auth: AuthConfig{
			JWTDuration: time.Hour,
		},
		WebSocket: WebSocketConfig{
			InactivityTimeout: 15 * time.Minute,
			ReadLimitBytes:    65536,
		},
		Locks: LockConfig{
			TTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304 - path supplied by operator
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

func overrideWithEnv(config *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(&config.Server.Port, "RADPEER_SERVER_PORT")
	setString(&config.Server.Interface, "RADPEER_SERVER_INTERFACE")
	setDuration(&config.Server.ReadTimeout, "RADPEER_SERVER_READ_TIMEOUT")
	setDuration(&config.Server.WriteTimeout, "RADPEER_SERVER_WRITE_TIMEOUT")
	setDuration(&config.Server.IdleTimeout, "RADPEER_SERVER_IDLE_TIMEOUT")

	setString(&config.Redis.Host, "RADPEER_REDIS_HOST")
	setString(&config.Redis.Port, "RADPEER_REDIS_PORT")
	setString(&config.Redis.Password, "RADPEER_REDIS_PASSWORD")
	setInt(&config.Redis.DB, "RADPEER_REDIS_DB")

	setString(&config.Auth.JWTSecret, "RADPEER_JWT_SECRET")
	setDuration(&config.Auth.JWTDuration, "RADPEER_JWT_DURATION")

	setDuration(&config.WebSocket.InactivityTimeout, "RADPEER_WS_INACTIVITY_TIMEOUT")
	setInt64(&config.WebSocket.ReadLimitBytes, "RADPEER_WS_READ_LIMIT_BYTES")
	setDuration(&config.Locks.TTL, "RADPEER_LOCK_TTL")

	setString(&config.Logging.Level, "RADPEER_LOG_LEVEL")
	setBool(&config.Logging.IsDev, "RADPEER_LOG_DEV")
	setString(&config.Logging.LogDir, "RADPEER_LOG_DIR")
	setInt(&config.Logging.MaxAgeDays, "RADPEER_LOG_MAX_AGE_DAYS")
	setInt(&config.Logging.MaxSizeMB, "RADPEER_LOG_MAX_SIZE_MB")
	setInt(&config.Logging.MaxBackups, "RADPEER_LOG_MAX_BACKUPS")
	setBool(&config.Logging.AlsoLogToConsole, "RADPEER_LOG_CONSOLE")
}

// Validate checks the configuration for missing or inconsistent values
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %w", err)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required (set RADPEER_JWT_SECRET)")
	}
	if c.Locks.TTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.WebSocket.InactivityTimeout <= 0 {
		return fmt.Errorf("websocket inactivity timeout must be positive")
	}
	return nil
}

// RedisAddr returns the host:port pair for the Redis client
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// GetLogLevel converts the configured level to a slogging.LogLevel
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}
