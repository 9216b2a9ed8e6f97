package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"voicelink-backend/pkg/constants"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Call     CallConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// CallConfig holds the signaling timing knobs. Relay and client defaults
// come from the same struct so the two sides cannot drift; Validate
// enforces that the relay ring timeout exceeds the client offer wait.
type CallConfig struct {
	RingTimeout       time.Duration // relay-side deadline before a call is missed
	OfferWait         time.Duration // client-side wait for the counterpart's SDP
	MicRetries        int
	MicRetryDelay     time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ICERestartBound   int
	ProbeInterval     time.Duration
	PersistRetries    int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("PORT", 8080),
			Environment: getEnv("ENV", "development"),
			ServiceName: getEnv("SERVICE_NAME", "voicelink"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 26257),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "voicelink"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", ""),
			AccessTokenExpiry:  time.Duration(getEnvAsInt("JWT_ACCESS_EXPIRY", 15)) * time.Minute,
			RefreshTokenExpiry: time.Duration(getEnvAsInt("JWT_REFRESH_EXPIRY", 720)) * time.Hour,
		},
		Call: CallConfig{
			RingTimeout:       getEnvAsDuration("CALL_RING_TIMEOUT", constants.CallRingTimeout),
			OfferWait:         getEnvAsDuration("CALL_OFFER_WAIT", constants.CallOfferWaitTimeout),
			MicRetries:        getEnvAsInt("CALL_MIC_RETRIES", constants.CallMicRetries),
			MicRetryDelay:     getEnvAsDuration("CALL_MIC_RETRY_DELAY", constants.CallMicRetryDelay),
			ReconnectAttempts: getEnvAsInt("CALL_RECONNECT_ATTEMPTS", constants.CallReconnectAttempts),
			ReconnectDelay:    getEnvAsDuration("CALL_RECONNECT_DELAY", constants.CallReconnectDelay),
			ICERestartBound:   getEnvAsInt("CALL_ICE_RESTART_ATTEMPTS", constants.CallICERestartAttempts),
			ProbeInterval:     getEnvAsDuration("CALL_PROBE_INTERVAL", constants.CallProbeInterval),
			PersistRetries:    getEnvAsInt("CALL_PERSIST_RETRIES", constants.CallPersistRetries),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate JWT secret in production
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.RingTimeout <= c.Call.OfferWait {
		return fmt.Errorf("CALL_RING_TIMEOUT (%s) must exceed CALL_OFFER_WAIT (%s)",
			c.Call.RingTimeout, c.Call.OfferWait)
	}
	if c.Call.ReconnectAttempts < 1 || c.Call.MicRetries < 1 || c.Call.PersistRetries < 1 {
		return fmt.Errorf("call attempt bounds must be at least 1")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
