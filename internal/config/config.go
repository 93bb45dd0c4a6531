// Package config provides application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort    = "3000"
	defaultAPIURL  = "https://api.d-id.com"
	defaultAgentID = "agt__uA1wt2j"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	APIURL         string
	APIKey         string
	AgentID        string
	DBPath         string
	AllowedOrigins []string
	RecordDir      string // empty disables recording of remote tracks
	Stream         StreamConfig
	Timeout        TimeoutConfig
	Retry          RetryConfig
}

// StreamConfig holds the options sent when a stream session is created.
type StreamConfig struct {
	Fluent            bool
	CompatibilityMode string
}

// TimeoutConfig groups the time-based knobs of the connect lifecycle.
type TimeoutConfig struct {
	HTTP         time.Duration
	Connect      time.Duration
	Settle       time.Duration
	PollInterval time.Duration
}

// RetryConfig is the policy for retried remote calls.
type RetryConfig struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// credentialFile mirrors the adjacent api.json file.
type credentialFile struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Load reads configuration from environment variables. When DID_API_KEY is not
// set the credential is read from the file named by DID_API_CONFIG.
func Load() (*Config, error) {
	port := getEnv("PORT", defaultPort)

	cfg := &Config{
		Port:           port,
		APIURL:         getEnv("DID_API_URL", ""),
		APIKey:         getEnv("DID_API_KEY", ""),
		AgentID:        getEnv("DID_AGENT_ID", defaultAgentID),
		DBPath:         getEnv("DB_PATH", "./data/avatarlink.db"),
		AllowedOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:" + port}),
		RecordDir:      getEnv("MEDIA_RECORD_DIR", ""),
		Stream: StreamConfig{
			Fluent:            getEnvBool("STREAM_FLUENT", true),
			CompatibilityMode: getEnv("STREAM_COMPATIBILITY_MODE", "on"),
		},
		Timeout: TimeoutConfig{
			HTTP:         getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
			Connect:      getEnvDuration("CONNECT_TIMEOUT", 60*time.Second),
			Settle:       getEnvDuration("CONNECT_SETTLE_DELAY", 300*time.Millisecond),
			PollInterval: getEnvDuration("PLAYBACK_POLL_INTERVAL", 400*time.Millisecond),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			MinDelay:    getEnvDuration("RETRY_MIN_DELAY", time.Second),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 2*time.Second),
		},
	}

	if cfg.APIKey == "" || cfg.APIURL == "" {
		file, err := readCredentialFile(getEnv("DID_API_CONFIG", "./api.json"))
		if err != nil {
			return nil, err
		}
		if cfg.APIKey == "" {
			cfg.APIKey = file.Key
		}
		if cfg.APIURL == "" {
			cfg.APIURL = file.URL
		}
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.APIKey == "" {
		return fmt.Errorf("DID_API_KEY must be set in the environment or the api.json file")
	}
	if c.AgentID == "" {
		return fmt.Errorf("DID_AGENT_ID cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.Retry.MinDelay < 0 || c.Retry.MaxDelay < c.Retry.MinDelay {
		return fmt.Errorf("RETRY_MIN_DELAY must be >= 0 and <= RETRY_MAX_DELAY")
	}
	if c.Timeout.PollInterval <= 0 {
		return fmt.Errorf("PLAYBACK_POLL_INTERVAL must be > 0")
	}
	return nil
}

// IsRecording reports whether remote tracks are written to disk.
func (c *Config) IsRecording() bool {
	return c.RecordDir != ""
}

// readCredentialFile returns an empty credential when the file does not exist.
func readCredentialFile(path string) (credentialFile, error) {
	var file credentialFile
	if path == "" {
		return file, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return file, fmt.Errorf("read credential file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse credential file %s: %w", path, err)
	}
	return file, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
