package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Gateway access
	APIKey         string
	CustomSSO      bool
	SuperCustomSSO bool

	// Upstream
	BaseURL          string
	AssetsURL        string
	Proxy            string
	TempConversation bool
	CFClearance      string
	CFConfigFile     string

	// Credentials supplied at startup
	SSO      []string
	SSOSuper []string

	// Output shaping
	ShowThinking      bool
	ShowSearchResults bool

	// Image hosts
	PicGoKey string
	TumyKey  string

	// Persistence
	DataDir          string
	SnapshotBackend  string
	RedisURL         string
	DatabaseURL      string
	DatabaseDriver   string
	SweepInterval    time.Duration
	SnapshotInterval time.Duration

	// Orchestration
	MaxAttempts      int
	FileThreshold    int
	MaxAttachments   int
	MaxParseFailures int
	RetryDelay       time.Duration

	// Rate Limiting
	ClientRateLimit int
	RateLimitsFile  string
	RateTables      *models.RateTables
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "5200"),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		APIKey:            getEnv("API_KEY", "sk-123456"),
		CustomSSO:         getEnvBool("IS_CUSTOM_SSO", false),
		SuperCustomSSO:    getEnvBool("IS_SUPER_GROK", false),
		BaseURL:           strings.TrimRight(getEnv("BASE_URL", "https://grok.com"), "/"),
		AssetsURL:         strings.TrimRight(getEnv("ASSETS_URL", "https://assets.grok.com"), "/"),
		Proxy:             getEnv("PROXY", ""),
		TempConversation:  getEnvBool("IS_TEMP_CONVERSATION", true),
		CFClearance:       getEnv("CF_CLEARANCE", ""),
		SSO:               getEnvList("SSO"),
		SSOSuper:          getEnvList("SSO_SUPER"),
		ShowThinking:      getEnvBool("SHOW_THINKING", false),
		ShowSearchResults: getEnvBool("ISSHOW_SEARCH_RESULTS", true),
		PicGoKey:          getEnv("PICGO_KEY", ""),
		TumyKey:           getEnv("TUMY_KEY", ""),
		DataDir:           getEnv("DATA_DIR", "./data"),
		SnapshotBackend:   getEnv("SNAPSHOT_BACKEND", "file"),
		RedisURL:          getEnv("REDIS_URL", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DatabaseDriver:    getEnv("DATABASE_DRIVER", "postgres"),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Minute),
		SnapshotInterval:  getEnvDuration("SNAPSHOT_INTERVAL", 10*time.Minute),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 2),
		FileThreshold:     getEnvInt("FILE_THRESHOLD", 40000),
		MaxAttachments:    getEnvInt("MAX_ATTACHMENTS", 4),
		MaxParseFailures:  getEnvInt("MAX_PARSE_FAILURES", 10),
		RetryDelay:        getEnvDuration("RETRY_DELAY", time.Second),
		ClientRateLimit:   getEnvInt("CLIENT_RATE_LIMIT", 0),
		RateLimitsFile:    getEnv("RATE_LIMITS_FILE", ""),
	}
	cfg.CFConfigFile = getEnv("CF_CONFIG_FILE", filepath.Join(cfg.DataDir, "cf_config.json"))

	// Validate required fields
	if cfg.APIKey == "" && !cfg.CustomSSO {
		return nil, fmt.Errorf("API_KEY is required unless IS_CUSTOM_SSO is enabled")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	switch cfg.SnapshotBackend {
	case "file":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when SNAPSHOT_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unknown SNAPSHOT_BACKEND %q (want file or redis)", cfg.SnapshotBackend)
	}
	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return nil, fmt.Errorf("unknown DATABASE_DRIVER %q (want postgres or sqlite)", cfg.DatabaseDriver)
	}

	if cfg.RateLimitsFile != "" {
		tables, err := LoadRateTables(cfg.RateLimitsFile)
		if err != nil {
			return nil, err
		}
		cfg.RateTables = tables
	}

	return cfg, nil
}

// LoadRateTables reads per-tier rate limits from a YAML file:
//
//	normal:
//	  grok-3: {request_frequency: 20, expiration: 2h}
//	super:
//	  grok-3: {request_frequency: 100, expiration: 2h}
func LoadRateTables(path string) (*models.RateTables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limits file: %w", err)
	}
	var tables models.RateTables
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse rate limits file: %w", err)
	}
	for tier, table := range map[string]map[string]models.RateLimit{"normal": tables.Normal, "super": tables.Super} {
		for bucket, limit := range table {
			if limit.RequestFrequency <= 0 || limit.Expiration <= 0 {
				return nil, fmt.Errorf("rate limit %s/%s needs positive request_frequency and expiration", tier, bucket)
			}
		}
	}
	return &tables, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
