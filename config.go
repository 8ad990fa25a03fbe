package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds process-wide configuration read from the environment
type Settings struct {
	// Port is the HTTP listen port
	Port string

	// APIURL is the chat-completions endpoint of the model provider
	APIURL string

	// APIKey is the bearer credential; empty is reported on the first model call
	APIKey string

	// Model call envelope
	ModelRequestTimeout time.Duration
	ModelRetries        int
	RetryMinWait        time.Duration
	RetryMaxWait        time.Duration
	RequestsPerMinute   int

	// Reasoning model request shaping
	ReasoningModelPatterns    []string
	ReasoningCompletionTokens int
	ReasoningEffort           string

	// Stage fan-out pacing
	StageConcurrency int
	Stage1Stagger    time.Duration
	Stage2Stagger    time.Duration

	// Run store; empty RedisURL keeps runs in process memory
	RedisURL string
	RunTTL   time.Duration

	// EngineDefaultsPath optionally points at a yaml file of engine defaults
	EngineDefaultsPath string

	// CORS allowed origins; empty allows any localhost origin
	CORSAllowedOrigins []string

	// MaxRequestBodySize is the maximum allowed request body size
	MaxRequestBodySize int64

	LogLevel  string
	LogFormat string
	GinMode   string
}

const (
	defaultAPIURL = "https://models.github.ai/inference/chat/completions"
	defaultPort   = "8001"
)

// DefaultSettings returns settings used when the environment sets nothing
func DefaultSettings() Settings {
	return Settings{
		Port:                      defaultPort,
		APIURL:                    defaultAPIURL,
		ModelRequestTimeout:       120 * time.Second,
		ModelRetries:              3,
		RetryMinWait:              2 * time.Second,
		RetryMaxWait:              10 * time.Second,
		ReasoningModelPatterns:    []string{"/o1", "/o3", "/o4", "/gpt-5"},
		ReasoningCompletionTokens: 4000,
		StageConcurrency:          1,
		Stage1Stagger:             3 * time.Second,
		Stage2Stagger:             4 * time.Second,
		MaxRequestBodySize:        1 << 20,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

// LoadConfig loads configuration from a .env file and environment variables
func LoadConfig() (*Settings, error) {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				break
			}
		}
	}

	s := DefaultSettings()
	s.Port = getEnv("PORT", s.Port)
	s.APIURL = getEnv("COUNCIL_API_URL", s.APIURL)
	s.APIKey = firstEnv("COUNCIL_API_KEY", "GITHUB_TOKEN", "OPENROUTER_API_KEY")
	s.ReasoningEffort = os.Getenv("REASONING_EFFORT")
	s.RedisURL = os.Getenv("REDIS_URL")
	s.EngineDefaultsPath = os.Getenv("COUNCIL_CONFIG_FILE")
	s.LogLevel = getEnv("LOG_LEVEL", s.LogLevel)
	s.LogFormat = getEnv("LOG_FORMAT", s.LogFormat)
	s.GinMode = os.Getenv("GIN_MODE")

	if patterns := os.Getenv("REASONING_MODEL_PATTERNS"); patterns != "" {
		s.ReasoningModelPatterns = splitList(patterns)
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		s.CORSAllowedOrigins = splitList(origins)
	}

	var err error
	if s.ModelRequestTimeout, err = getEnvDuration("MODEL_REQUEST_TIMEOUT", s.ModelRequestTimeout); err != nil {
		return nil, err
	}
	if s.ModelRetries, err = getEnvInt("MODEL_RETRIES", s.ModelRetries); err != nil {
		return nil, err
	}
	if s.RetryMinWait, err = getEnvDuration("MODEL_RETRY_MIN_WAIT", s.RetryMinWait); err != nil {
		return nil, err
	}
	if s.RetryMaxWait, err = getEnvDuration("MODEL_RETRY_MAX_WAIT", s.RetryMaxWait); err != nil {
		return nil, err
	}
	if s.RequestsPerMinute, err = getEnvInt("MODEL_REQUESTS_PER_MINUTE", s.RequestsPerMinute); err != nil {
		return nil, err
	}
	if s.ReasoningCompletionTokens, err = getEnvInt("REASONING_COMPLETION_TOKENS", s.ReasoningCompletionTokens); err != nil {
		return nil, err
	}
	if s.StageConcurrency, err = getEnvInt("STAGE_CONCURRENCY", s.StageConcurrency); err != nil {
		return nil, err
	}
	if s.Stage1Stagger, err = getEnvDuration("STAGE1_STAGGER", s.Stage1Stagger); err != nil {
		return nil, err
	}
	if s.Stage2Stagger, err = getEnvDuration("STAGE2_STAGGER", s.Stage2Stagger); err != nil {
		return nil, err
	}
	if s.RunTTL, err = getEnvDuration("RUN_TTL", s.RunTTL); err != nil {
		return nil, err
	}
	maxBody, err := getEnvInt("MAX_REQUEST_BODY_BYTES", int(s.MaxRequestBodySize))
	if err != nil {
		return nil, err
	}
	s.MaxRequestBodySize = int64(maxBody)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the engine cannot run with
func (s Settings) Validate() error {
	if s.ModelRetries < 0 {
		return fmt.Errorf("MODEL_RETRIES must not be negative")
	}
	if s.RetryMinWait > s.RetryMaxWait {
		return fmt.Errorf("MODEL_RETRY_MIN_WAIT (%s) exceeds MODEL_RETRY_MAX_WAIT (%s)", s.RetryMinWait, s.RetryMaxWait)
	}
	if s.StageConcurrency < 1 {
		return fmt.Errorf("STAGE_CONCURRENCY must be at least 1")
	}
	if s.RequestsPerMinute < 0 {
		return fmt.Errorf("MODEL_REQUESTS_PER_MINUTE must not be negative")
	}
	if s.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
