package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/pkg/validator"
	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Device   DeviceConfig
	Backend  BackendConfig
	Store    StoreConfig
	Sync     SyncConfig
	Realtime RealtimeConfig
	Network  NetworkConfig
	JWT      JWTConfig
}

// AppConfig holds application configuration
type AppConfig struct {
	Port           int
	Env            string
	LogLevel       string
	AllowedOrigins []string
}

// DeviceConfig identifies the device and the employees allowed to use it
type DeviceConfig struct {
	ID        string
	Employees []string
	Timezone  string
}

// BackendConfig holds the presence backend endpoint and credentials
type BackendConfig struct {
	BaseURL      string
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
	BulkTimeout  time.Duration
	MaxAttempts  int
}

type StoreConfig struct {
	Driver   string // sqlite, postgres or memory
	Path     string
	Database DatabaseConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type SyncConfig struct {
	Interval        time.Duration
	Mode            string // individual or batch
	MaxRetries      int
	Retention       time.Duration
	CleanupInterval time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

type RealtimeConfig struct {
	Transport            string // http or mqtt
	HeartbeatInterval    time.Duration
	ReconnectMaxAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MQTT                 MQTTConfig
}

type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	QoS      int
}

type NetworkConfig struct {
	ProbeInterval    time.Duration
	FailureThreshold int
}

// JWTConfig holds local API token configuration
type JWTConfig struct {
	Secret           string
	AccessExpiration string
}

// Load reads the environment, after merging the given .env files (default
// ".env"). A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
		slog.Debug("No .env file found, using process environment")
	}

	config := &Config{}
	p := &parser{}

	// Application configuration
	config.App = AppConfig{
		Port:           p.int("APP_PORT", 8787),
		Env:            getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	// Device configuration
	config.Device = DeviceConfig{
		ID:        getEnv("DEVICE_ID", ""),
		Employees: getEnvSlice("DEVICE_EMPLOYEES", ""),
		Timezone:  getEnv("DEVICE_TIMEZONE", "UTC"),
	}

	// Backend configuration
	config.Backend = BackendConfig{
		BaseURL:      getEnv("BACKEND_BASE_URL", ""),
		Token:        getEnv("BACKEND_TOKEN", ""),
		ClientID:     getEnv("BACKEND_CLIENT_ID", ""),
		ClientSecret: getEnv("BACKEND_CLIENT_SECRET", ""),
		TokenURL:     getEnv("BACKEND_TOKEN_URL", ""),
		Scopes:       getEnvSlice("BACKEND_SCOPES", ""),
		Timeout:      p.duration("BACKEND_TIMEOUT", "10s"),
		BulkTimeout:  p.duration("BACKEND_BULK_TIMEOUT", "30s"),
		MaxAttempts:  p.int("BACKEND_MAX_ATTEMPTS", 3),
	}

	// Queue store configuration
	config.Store = StoreConfig{
		Driver: getEnv("STORE_DRIVER", "sqlite"),
		Path:   getEnv("STORE_PATH", "presence.db"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     p.int("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "presence"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
	}

	// Sync configuration
	config.Sync = SyncConfig{
		Interval:        p.duration("SYNC_INTERVAL", "30s"),
		Mode:            getEnv("SYNC_MODE", "individual"),
		MaxRetries:      p.int("SYNC_MAX_RETRIES", 5),
		Retention:       p.duration("SYNC_RETENTION", "168h"),
		CleanupInterval: p.duration("SYNC_CLEANUP_INTERVAL", "1h"),
		BackoffBase:     p.duration("SYNC_BACKOFF_BASE", "1s"),
		BackoffMax:      p.duration("SYNC_BACKOFF_MAX", "5m"),
	}

	// Realtime configuration
	config.Realtime = RealtimeConfig{
		Transport:            getEnv("REALTIME_TRANSPORT", "http"),
		HeartbeatInterval:    p.duration("REALTIME_HEARTBEAT_INTERVAL", "30s"),
		ReconnectMaxAttempts: p.int("REALTIME_RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBase:        p.duration("REALTIME_RECONNECT_BASE", "1s"),
		ReconnectMax:         p.duration("REALTIME_RECONNECT_MAX", "30s"),
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", ""),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
			QoS:      p.int("MQTT_QOS", 1),
		},
	}

	// Network monitor configuration
	config.Network = NetworkConfig{
		ProbeInterval:    p.duration("NETWORK_PROBE_INTERVAL", "15s"),
		FailureThreshold: p.int("NETWORK_FAILURE_THRESHOLD", 2),
	}

	// JWT configuration
	config.JWT = JWTConfig{
		Secret:           getEnv("JWT_SECRET_KEY", ""),
		AccessExpiration: getEnv("JWT_ACCESS_EXPIRATION_TIME", "720h"),
	}

	if p.err != nil {
		return nil, p.err
	}

	// Validate required fields
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("DEVICE_ID is required")
	}
	if len(c.Device.Employees) == 0 {
		return fmt.Errorf("DEVICE_EMPLOYEES is required")
	}
	if _, err := time.LoadLocation(c.Device.Timezone); err != nil {
		return fmt.Errorf("invalid DEVICE_TIMEZONE: %w", err)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if !validator.IsValidBaseURL(c.Backend.BaseURL) {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute http(s) URL")
	}
	if c.Backend.ClientID != "" && c.Backend.TokenURL == "" {
		return fmt.Errorf("BACKEND_TOKEN_URL is required with BACKEND_CLIENT_ID")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if _, err := time.ParseDuration(c.JWT.AccessExpiration); err != nil {
		return fmt.Errorf("invalid JWT_ACCESS_EXPIRATION_TIME: %w", err)
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Sync.Mode {
	case "individual", "batch":
	default:
		return fmt.Errorf("unsupported SYNC_MODE %q", c.Sync.Mode)
	}

	switch c.Realtime.Transport {
	case "http":
	case "mqtt":
		if c.Realtime.MQTT.Broker == "" {
			return fmt.Errorf("MQTT_BROKER is required")
		}
		if c.Realtime.MQTT.QoS < 0 || c.Realtime.MQTT.QoS > 2 {
			return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("unsupported REALTIME_TRANSPORT %q", c.Realtime.Transport)
	}

	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be positive")
	}
	if c.Realtime.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("REALTIME_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Store.Database.User,
		c.Store.Database.Password,
		c.Store.Database.Host,
		c.Store.Database.Port,
		c.Store.Database.Name,
		c.Store.Database.SSLMode,
	)
}

// Location returns the device calendar.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Device.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvSlice(env, fallback string) []string {
	value := getEnv(env, fallback)
	if value == "" {
		return []string{}
	}
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// parser keeps the first conversion error so Load reports it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := getEnv(key, strconv.Itoa(fallback))
	value, err := strconv.Atoi(raw)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("invalid %s: %w", key, err)
		}
		return fallback
	}
	return value
}

func (p *parser) duration(key, fallback string) time.Duration {
	value, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("invalid %s: %w", key, err)
		}
		return 0
	}
	return value
}
