package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Cache backends
const (
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// ListenerConfig describes one WebSocket listener
type ListenerConfig struct {
	ID                           string `json:"id" validate:"required"`
	Host                         string `json:"host"`
	Port                         int    `json:"port" validate:"required,min=1,max=65535"`
	SecurityProfile              int    `json:"securityProfile" validate:"min=0,max=3"`
	ProtocolVersion              string `json:"protocolVersion" validate:"required,oneof=ocpp1.6 ocpp2.0.1"`
	TLSKeyPath                   string `json:"tlsKeyPath" validate:"required_if=SecurityProfile 2,required_if=SecurityProfile 3"`
	TLSCertChainPath             string `json:"tlsCertChainPath" validate:"required_if=SecurityProfile 2,required_if=SecurityProfile 3"`
	RootCAPath                   string `json:"rootCaPath" validate:"required_if=SecurityProfile 3"`
	PingIntervalSeconds          int    `json:"pingIntervalSeconds" validate:"min=1"`
	TenantID                     string `json:"tenantId" validate:"required"`
	AllowUnknownChargingStations bool   `json:"allowUnknownChargingStations"`
}

// Address returns the host:port the listener binds to
func (l ListenerConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// PingInterval returns the keepalive interval
func (l ListenerConfig) PingInterval() time.Duration {
	return time.Duration(l.PingIntervalSeconds) * time.Second
}

// Config holds the application configuration
type Config struct {
	// Server configuration
	APIPort  int
	TenantID string

	// OCPP configuration
	Listeners            []ListenerConfig
	MaxCallLengthSeconds int

	// Cache configuration
	CacheBackend   string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Database configuration
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Messaging configuration
	NatsURL           string
	NatsSubjectPrefix string

	// Logging
	LogLevel string
}

const defaultListeners = `[
	{"id":"0","host":"0.0.0.0","port":8081,"securityProfile":0,"protocolVersion":"ocpp2.0.1","pingIntervalSeconds":60,"allowUnknownChargingStations":true},
	{"id":"1","host":"0.0.0.0","port":8082,"securityProfile":1,"protocolVersion":"ocpp2.0.1","pingIntervalSeconds":60},
	{"id":"2","host":"0.0.0.0","port":8092,"securityProfile":1,"protocolVersion":"ocpp1.6","pingIntervalSeconds":60}
]`

var validate = validator.New()

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	apiPort, err := strconv.Atoi(getEnv("API_PORT", "8888"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %v", err)
	}

	maxCallLength, err := strconv.Atoi(getEnv("MAX_CALL_LENGTH_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_CALL_LENGTH_SECONDS: %v", err)
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %v", err)
	}

	// Database configuration
	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %v", err)
	}

	tenantID := getEnv("TENANT_ID", "T1")
	listeners, err := ParseListeners(getEnv("OCPP_LISTENERS", defaultListeners), tenantID)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		// Server configuration
		APIPort:  apiPort,
		TenantID: tenantID,

		// OCPP configuration
		Listeners:            listeners,
		MaxCallLengthSeconds: maxCallLength,

		// Cache configuration
		CacheBackend:   getEnv("CACHE_BACKEND", CacheBackendRedis),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        redisDB,
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "ocpp"),

		// Database configuration
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "ocpp_gateway"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		// Messaging configuration
		NatsURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NatsSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "ocpp"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.MaxCallLengthSeconds <= 0 {
		return nil, fmt.Errorf("invalid MAX_CALL_LENGTH_SECONDS: must be positive")
	}
	if cfg.CacheBackend != CacheBackendRedis && cfg.CacheBackend != CacheBackendMemory {
		return nil, fmt.Errorf("invalid CACHE_BACKEND: %q", cfg.CacheBackend)
	}

	return cfg, nil
}

// ParseListeners decodes and validates a JSON array of listener configs.
// Listeners without a tenant get defaultTenant.
func ParseListeners(raw, defaultTenant string) ([]ListenerConfig, error) {
	var listeners []ListenerConfig
	if err := json.Unmarshal([]byte(raw), &listeners); err != nil {
		return nil, fmt.Errorf("invalid OCPP_LISTENERS: %v", err)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("invalid OCPP_LISTENERS: no listener configured")
	}

	seen := make(map[string]bool)
	for i := range listeners {
		l := &listeners[i]
		if l.TenantID == "" {
			l.TenantID = defaultTenant
		}
		if l.PingIntervalSeconds == 0 {
			l.PingIntervalSeconds = 60
		}
		if err := validate.Struct(l); err != nil {
			return nil, fmt.Errorf("invalid listener %q: %v", l.ID, err)
		}
		if seen[l.ID] {
			return nil, fmt.Errorf("invalid OCPP_LISTENERS: duplicate listener id %q", l.ID)
		}
		seen[l.ID] = true
	}
	return listeners, nil
}

// MaxCallLength returns how long a call may stay unanswered
func (c *Config) MaxCallLength() time.Duration {
	return time.Duration(c.MaxCallLengthSeconds) * time.Second
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger configures the global logger
func (c *Config) SetupLogger() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Helper function to get environment variables with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
