package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// HTTP API
	APIPort int

	// Database configuration
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisHost     string
	RedisPassword string
	RedisPort     string

	// LLM configuration
	LLM LLMConfig

	// Market data configuration
	MarketData MarketDataConfig

	// Analysis engine configuration
	Engine EngineConfig
}

// LLMConfig holds reasoning service configuration
type LLMConfig struct {
	Enabled  bool
	Endpoint string
	APIKey   string
	Model    string
}

// MarketDataConfig holds market data provider configuration
type MarketDataConfig struct {
	BaseURL        string
	QuoteStreamURL string // optional websocket quote push endpoint
	Timeout        time.Duration
}

// EngineConfig holds analysis pipeline parameters and thresholds
type EngineConfig struct {
	// Worker pool
	MaxConcurrentRuns int

	// Retry/timeout policy for external-I/O stages
	FetchTimeout   time.Duration
	FetchRetries   int
	NarrateTimeout time.Duration

	// A PENDING/RUNNING record older than this is considered stalled
	// and may be taken over by a forced rerun
	StallCeiling time.Duration

	// Cached READY responses TTL in Redis
	ReportCacheTTL time.Duration

	// Backtest validation
	BacktestLookaheadDays int
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		APIPort: getEnvInt("API_PORT", 8080),

		// Database configuration
		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "ashare_copilot"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "ashare"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", "ashare123"),

		// Redis configuration
		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		// LLM configuration
		LLM: LLMConfig{
			Enabled:  getEnvOrDefault("LLM_ENABLED", "true") == "true",
			Endpoint: getEnvOrDefault("LLM_ENDPOINT", "https://api.deepseek.com/v1"),
			APIKey:   getEnvOrDefault("LLM_API_KEY", ""),
			Model:    getEnvOrDefault("LLM_MODEL", "deepseek-chat"),
		},

		// Market data configuration
		MarketData: MarketDataConfig{
			BaseURL:        getEnvOrDefault("MARKET_DATA_URL", "https://push2his.eastmoney.com"),
			QuoteStreamURL: getEnvOrDefault("MARKET_QUOTE_WS_URL", ""),
			Timeout:        time.Duration(getEnvInt("MARKET_DATA_TIMEOUT_SEC", 15)) * time.Second,
		},

		// Engine configuration
		Engine: EngineConfig{
			MaxConcurrentRuns:     getEnvInt("ENGINE_MAX_CONCURRENT_RUNS", 4),
			FetchTimeout:          time.Duration(getEnvInt("ENGINE_FETCH_TIMEOUT_SEC", 30)) * time.Second,
			FetchRetries:          getEnvInt("ENGINE_FETCH_RETRIES", 3),
			NarrateTimeout:        time.Duration(getEnvInt("ENGINE_NARRATE_TIMEOUT_SEC", 120)) * time.Second,
			StallCeiling:          time.Duration(getEnvInt("ENGINE_STALL_CEILING_MIN", 10)) * time.Minute,
			ReportCacheTTL:        time.Duration(getEnvInt("ENGINE_REPORT_CACHE_TTL_MIN", 60)) * time.Minute,
			BacktestLookaheadDays: getEnvInt("ENGINE_BACKTEST_LOOKAHEAD_DAYS", 3),
		},
	}
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
