package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"libria/internal/logger"
)

// Supported quota store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

type Config struct {
	// Quota
	StandardLimit  int           `yaml:"standard_limit"`
	EvaluatorLimit int           `yaml:"evaluator_limit"`
	EvaluatorToken string        `yaml:"evaluator_token"`
	QuotaStore     string        `yaml:"quota_store"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	RedisURL       string        `yaml:"redis_url"`
	SQLitePath     string        `yaml:"sqlite_path"`

	// Presentation
	Debug bool `yaml:"debug"`

	// OpenAI Configuration
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// Cover upload
	MaxImageMB       int  `yaml:"max_image_mb"`
	VisionOCREnabled bool `yaml:"vision_ocr_enabled"`

	// Research webhook (n8n)
	ResearchWebhookURL string        `yaml:"research_webhook_url"`
	ResearchTimeout    time.Duration `yaml:"research_timeout"`

	// Email delivery
	GmailUser        string `yaml:"gmail_user"`
	GmailAppPassword string `yaml:"gmail_app_password"`
	SMTPHost         string `yaml:"smtp_host"`
	SMTPPort         int    `yaml:"smtp_port"`

	// Google Sheets lookup log
	GoogleSheetURL       string `yaml:"google_sheet_url"`
	GoogleSheetWorksheet string `yaml:"google_sheet_worksheet"`

	// HTTP server
	ListenAddr         string   `yaml:"listen_addr"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Logging Configuration
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogTimeFormat string `yaml:"log_time_format"`
	LogOutput     string `yaml:"log_output"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		StandardLimit:        3,
		EvaluatorLimit:       50,
		QuotaStore:           StoreMemory,
		SessionTTL:           24 * time.Hour,
		RedisURL:             "redis://localhost:6379/0",
		SQLitePath:           "libria.db",
		OpenAIModel:          "gpt-4o-mini",
		MaxImageMB:           5,
		ResearchTimeout:      30 * time.Second,
		SMTPHost:             "smtp.gmail.com",
		SMTPPort:             465,
		GoogleSheetWorksheet: "Lookups",
		ListenAddr:           ":8080",
		CORSAllowedOrigins:   []string{"*"},
		LogLevel:             "info",
		LogFormat:            "console",
		LogTimeFormat:        time.RFC3339,
		LogOutput:            "stdout",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// LIBRIA_CONFIG, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	config := Default()

	if path := os.Getenv("LIBRIA_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// RATE_LIMIT_MAX and EVAL_TOKEN are the names older deployments used
	c.StandardLimit = getIntEnv("STANDARD_LIMIT", getIntEnv("RATE_LIMIT_MAX", c.StandardLimit))
	c.EvaluatorLimit = getIntEnv("EVALUATOR_LIMIT", c.EvaluatorLimit)
	c.EvaluatorToken = getEnv("EVALUATOR_TOKEN", getEnv("EVAL_TOKEN", c.EvaluatorToken))
	c.QuotaStore = strings.ToLower(getEnv("QUOTA_STORE", c.QuotaStore))
	c.SessionTTL = getDurationEnv("SESSION_TTL", c.SessionTTL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.Debug = getBoolEnv("DEBUG", c.Debug)

	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIModel = getEnv("OPENAI_MODEL", c.OpenAIModel)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)

	c.MaxImageMB = getIntEnv("MAX_IMAGE_MB", c.MaxImageMB)
	c.VisionOCREnabled = getBoolEnv("VISION_OCR_ENABLED", c.VisionOCREnabled)

	c.ResearchWebhookURL = getEnv("RESEARCH_WEBHOOK_URL", c.ResearchWebhookURL)
	c.ResearchTimeout = getDurationEnv("RESEARCH_TIMEOUT", c.ResearchTimeout)

	c.GmailUser = getEnv("GMAIL_USER", c.GmailUser)
	c.GmailAppPassword = getEnv("GMAIL_APP_PASSWORD", c.GmailAppPassword)
	c.SMTPHost = getEnv("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = getIntEnv("SMTP_PORT", c.SMTPPort)

	c.GoogleSheetURL = getEnv("GOOGLE_SHEET_URL", c.GoogleSheetURL)
	c.GoogleSheetWorksheet = getEnv("GOOGLE_SHEET_WORKSHEET", c.GoogleSheetWorksheet)

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.CORSAllowedOrigins = splitList(origins)
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogTimeFormat = getEnv("LOG_TIME_FORMAT", c.LogTimeFormat)
	c.LogOutput = getEnv("LOG_OUTPUT", c.LogOutput)
}

func (c *Config) validate() error {
	if c.StandardLimit < 0 {
		return fmt.Errorf("STANDARD_LIMIT must not be negative")
	}
	if c.EvaluatorLimit < 0 {
		return fmt.Errorf("EVALUATOR_LIMIT must not be negative")
	}
	if c.MaxImageMB <= 0 {
		return fmt.Errorf("MAX_IMAGE_MB must be positive")
	}
	switch c.QuotaStore {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("QUOTA_STORE must be one of memory, redis, sqlite (got %q)", c.QuotaStore)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	return nil
}

// RequireOpenAI reports whether the cover extraction credentials are present.
func (c *Config) RequireOpenAI() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	return nil
}

// MaxImageBytes returns the upload limit in bytes
func (c *Config) MaxImageBytes() int64 {
	return int64(c.MaxImageMB) * 1024 * 1024
}

// EmailEnabled reports whether Gmail credentials are configured
func (c *Config) EmailEnabled() bool {
	return c.GmailUser != "" && c.GmailAppPassword != ""
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getBoolEnv treats only "true" (any case) as enabled.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(strings.TrimSpace(value), "true")
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
