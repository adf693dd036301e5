// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FeatureFlag is a boolean on/off runtime toggle read from the environment.
type FeatureFlag bool

// Config holds all gateway configuration.
type Config struct {
	Port string

	SigningSecret         string
	PreviousSigningSecret string // optional, enables zero-downtime rotation
	GatewayPrivateKeyPEM  string

	UpstreamMode string // "live" | "mock"

	FFCache    FeatureFlag
	FFRetry    FeatureFlag
	FFBreakers FeatureFlag
	FFPolicy   FeatureFlag
	FFChaos    FeatureFlag

	HTTPTimeout       time.Duration
	DefaultTimezone   string
	MaxTokenLifetime  time.Duration
	RotationThreshold time.Duration

	RateLimitPerMinute int

	// CacheTTLs maps "tool:action" to its cache TTL. Entries absent from this
	// map (and not covered by DefaultCacheTTL) are never cached.
	CacheTTLs       map[string]time.Duration
	DefaultCacheTTL time.Duration

	IdempotencyTTL time.Duration

	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerOpenDuration     time.Duration
	BreakerHalfOpenProbes   int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// IdempotentActions is the retry allowlist: only "tool:action" pairs
	// present here (and true) are retried. Absent/write pairs never are.
	IdempotentActions map[string]bool

	DatabaseURL string
	RedisAddr   string

	// Secrets holds per-tool upstream credentials, e.g. "serpapi.api_key".
	Secrets map[string]string
}

// defaultCacheTTLs maps "tool:action" to its response cache TTL. Write
// actions (gmail_send:send) and llm_chat:complete are listed with a TTL of
// 0, so their responses are never cached.
var defaultCacheTTLs = map[string]time.Duration{
	"serpapi:search":   60 * time.Second,
	"http_fetch:get":   30 * time.Second,
	"llm_chat:complete": 0,
	"gmail_send:send":  0,
}

// defaultIdempotentActions is the retry allowlist: spec.md §4.6 requires an
// explicit whitelist, so a tool:action pair absent here is never retried.
var defaultIdempotentActions = map[string]bool{
	"serpapi:search": true,
	"http_fetch:get": true,
}

// Load reads configuration from the environment, optionally seeding it from
// a `.env` file first (ignored if absent — this mirrors local-dev
// convenience, never a hard requirement).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnvDefault("PORT", "8080"),
		SigningSecret:           os.Getenv("SIGNING_SECRET"),
		PreviousSigningSecret:   os.Getenv("SIGNING_SECRET_PREVIOUS"),
		GatewayPrivateKeyPEM:    os.Getenv("GATEWAY_PRIVATE_KEY"),
		UpstreamMode:            getEnvDefault("UPSTREAM_MODE", "mock"),
		FFCache:                 parseFlag("FF_CACHE", true),
		FFRetry:                 parseFlag("FF_RETRY", true),
		FFBreakers:              parseFlag("FF_BREAKERS", true),
		FFPolicy:                parseFlag("FF_POLICY", true),
		FFChaos:                 parseFlag("FF_CHAOS", false),
		HTTPTimeout:             getEnvDuration("HTTP_TIMEOUT_MS", 6000*time.Millisecond),
		DefaultTimezone:         getEnvDefault("DEFAULT_TIMEZONE", "UTC"),
		MaxTokenLifetime:        getEnvDurationSeconds("MAX_TOKEN_LIFETIME_SECONDS", 24*time.Hour),
		RotationThreshold:       getEnvDurationSeconds("TOKEN_ROTATION_THRESHOLD_SECONDS", 10*time.Minute),
		RateLimitPerMinute:      getEnvInt("RATE_LIMIT_PER_MINUTE", 5),
		CacheTTLs:               defaultCacheTTLs,
		DefaultCacheTTL:         0,
		IdempotencyTTL:          getEnvDurationSeconds("IDEMPOTENCY_TTL_SECONDS", 24*time.Hour),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerWindow:           getEnvDurationSeconds("BREAKER_WINDOW_SECONDS", 30*time.Second),
		BreakerOpenDuration:     getEnvDurationSeconds("BREAKER_OPEN_SECONDS", 10*time.Second),
		BreakerHalfOpenProbes:   getEnvInt("BREAKER_HALF_OPEN_PROBES", 1),
		RetryMaxAttempts:        getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:          getEnvDuration("RETRY_BASE_DELAY_MS", 100*time.Millisecond),
		IdempotentActions:       defaultIdempotentActions,
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		Secrets:                 loadSecrets(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal-at-boot invariants from spec.md §4.11/§6.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("config: SIGNING_SECRET is required")
	}
	if c.GatewayPrivateKeyPEM == "" {
		return fmt.Errorf("config: GATEWAY_PRIVATE_KEY is required")
	}
	if c.UpstreamMode != "live" && c.UpstreamMode != "mock" {
		return fmt.Errorf("config: UPSTREAM_MODE must be 'live' or 'mock', got %q", c.UpstreamMode)
	}
	if !bool(c.FFPolicy) {
		return fmt.Errorf("config: FF_POLICY cannot be disabled, policy enforcement is mandatory")
	}
	return nil
}

// loadSecrets scans the environment for keys of the shape "tool.secretname",
// e.g. SERPAPI_API_KEY -> "serpapi.api_key". This is the env-backed fallback
// for pkg/secrets when no database-backed provider is configured.
func loadSecrets() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		if !strings.Contains(key, "_") {
			continue
		}
		lower := strings.ToLower(key)
		// Only keys matching TOOL_FIELD pattern with a recognized suffix are
		// treated as tool secrets to avoid slurping unrelated env vars.
		if strings.HasSuffix(lower, "_api_key") || strings.HasSuffix(lower, "_token") || strings.HasSuffix(lower, "_secret") {
			idx := strings.Index(lower, "_")
			toolName := lower[:idx]
			field := lower[idx+1:]
			out[toolName+"."+field] = parts[1]
		}
	}
	return out
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseFlag(key string, def bool) FeatureFlag {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	default:
		return FeatureFlag(def)
	}
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvDurationSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	s, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(s) * time.Second
}
