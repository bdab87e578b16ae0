package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateConsumerName creates a unique stream consumer name using hostname and PID
func generateConsumerName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "engage"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Store backends
const (
	StoreMemory  = "memory"
	StoreDurable = "durable"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	StoreBackend string
	DatabaseURL  string
	RedisURL     string
	MongoDBURL   string
	MongoDBName  string

	// Ids
	NodeID int64

	// Worker
	WorkerCount      int
	WorkerBatchSize  int
	WorkerMaxRetries int
	ConsumerName     string
	InboundStream    string
	InboundGroup     string
	PendingCheck     time.Duration

	// Telephony
	TelephonyURL          string
	TelephonyClientID     string
	TelephonyClientSecret string
	TelephonyTokenURL     string
	TelephonyCallbackURL  string
	TelephonyTimeout      time.Duration

	// HTTP
	AllowedOrigins []string
	RateLimitRPS   int

	// Engine tunables (nullable)
	Engine *EngineConfig
}

func Load() (*Config, error) {
	engine, err := LoadEngine()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Storage
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		MongoDBURL:   getEnv("MONGODB_URL", ""),
		MongoDBName:  getEnv("MONGODB_DATABASE", "engage"),

		NodeID: int64(getEnvInt("NODE_ID", 1)),

		// Worker
		WorkerCount:      getEnvInt("WORKER_COUNT", 8),
		WorkerBatchSize:  getEnvInt("WORKER_BATCH_SIZE", 10),
		WorkerMaxRetries: getEnvInt("WORKER_MAX_RETRIES", 3),
		ConsumerName:     getEnv("CONSUMER_NAME", generateConsumerName()),
		InboundStream:    getEnv("INBOUND_STREAM", "engage:inbound"),
		InboundGroup:     getEnv("INBOUND_GROUP", "engage-workers"),
		PendingCheck:     getEnvDuration("CONSUMER_PENDING_CHECK", time.Minute),

		// Telephony
		TelephonyURL:          getEnv("TELEPHONY_URL", ""),
		TelephonyClientID:     getEnv("TELEPHONY_CLIENT_ID", ""),
		TelephonyClientSecret: getEnv("TELEPHONY_CLIENT_SECRET", ""),
		TelephonyTokenURL:     getEnv("TELEPHONY_TOKEN_URL", ""),
		TelephonyCallbackURL:  getEnv("TELEPHONY_CALLBACK_URL", ""),
		TelephonyTimeout:      getEnvDuration("TELEPHONY_TIMEOUT", 10*time.Second),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 0),

		Engine: engine,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StoreDurable:
		if c.DatabaseURL == "" || c.RedisURL == "" || c.MongoDBURL == "" {
			return fmt.Errorf("store backend %q requires DATABASE_URL, REDIS_URL and MONGODB_URL", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be within [0,1023], got %d", c.NodeID)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsDurable reports whether the durable storage stack is selected.
func (c *Config) IsDurable() bool {
	return c.StoreBackend == StoreDurable
}

// Redacted returns a copy safe to print: credentials and connection strings are masked.
func (c *Config) Redacted() Config {
	cp := *c
	for _, s := range []*string{&cp.DatabaseURL, &cp.RedisURL, &cp.MongoDBURL, &cp.TelephonyClientSecret} {
		if *s != "" {
			*s = "***"
		}
	}
	return cp
}
