// Package config loads servicenow-mcp configuration from environment
// variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
)

const (
	// TransportStdio runs MCP over stdin/stdout.
	TransportStdio = "stdio"
	// TransportHTTP runs MCP over HTTP with SSE tool streaming.
	TransportHTTP = "http"

	defaultListenAddr      = ":27780"
	defaultMaxRowLimit     = 100
	defaultToolPackage     = "dev_debug"
	defaultPreviewTTL      = 5 * time.Minute
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxRetries      = 2
	defaultRateLimit       = 10.0
	defaultRateBurst       = 20
	defaultMetadataTTL     = 10 * time.Minute
	defaultCredentialsPath = "~/.servicenow-mcp/credentials.yaml"
)

// Config holds service runtime configuration.
type Config struct {
	InstanceURL     string
	Username        string
	Password        string
	Token           string
	CredentialsPath string

	Environment       string
	AllowWritesInProd bool

	MaxRowLimit   int
	LargeTables   []string
	DeniedTables  []string
	MaskPatterns  []string
	ToolPackage   string
	PreviewTTL    time.Duration
	SeedStorePath string

	RequestTimeout   time.Duration
	MaxRetries       int
	RateLimit        float64
	RateBurst        int
	MetadataCacheTTL time.Duration

	Transport    string
	ListenAddr   string
	SessionToken string

	LogLevel       string
	LogFile        string
	MetricsEnabled bool
}

// Load returns configuration parsed from environment variables. Any error is
// fatal to startup.
func Load() (Config, error) {
	cfg := Config{
		InstanceURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SERVICENOW_INSTANCE_URL")), "/"),
		Username:        strings.TrimSpace(os.Getenv("SERVICENOW_USERNAME")),
		Password:        os.Getenv("SERVICENOW_PASSWORD"),
		Token:           strings.TrimSpace(os.Getenv("SERVICENOW_TOKEN")),
		CredentialsPath: strings.TrimSpace(envOrDefault("SERVICENOW_CREDENTIALS_FILE", defaultCredentialsPath)),

		AllowWritesInProd: envBool("ALLOW_WRITES_IN_PROD", false),

		LargeTables:   csvList(envOrDefault("LARGE_TABLE_NAMES_CSV", strings.Join(policy.DefaultLargeTables, ","))),
		DeniedTables:  csvList(os.Getenv("SERVICENOW_MCP_DENIED_TABLES")),
		MaskPatterns:  csvList(os.Getenv("SERVICENOW_MCP_MASK_PATTERNS")),
		ToolPackage:   strings.ToLower(strings.TrimSpace(envOrDefault("MCP_TOOL_PACKAGE", defaultToolPackage))),
		SeedStorePath: strings.TrimSpace(os.Getenv("SERVICENOW_MCP_SEED_STORE_PATH")),

		RequestTimeout:   envPositiveDuration("SERVICENOW_REQUEST_TIMEOUT", defaultRequestTimeout),
		MaxRetries:       envNonNegativeInt("SERVICENOW_MAX_RETRIES", defaultMaxRetries),
		RateLimit:        envPositiveFloat("SERVICENOW_RATE_LIMIT", defaultRateLimit),
		RateBurst:        envPositiveInt("SERVICENOW_RATE_LIMIT_BURST", defaultRateBurst),
		MetadataCacheTTL: envPositiveDuration("SERVICENOW_METADATA_CACHE_TTL", defaultMetadataTTL),

		Transport:    strings.ToLower(strings.TrimSpace(envOrDefault("SERVICENOW_MCP_TRANSPORT", TransportStdio))),
		ListenAddr:   envOrDefault("SERVICENOW_MCP_LISTEN_ADDR", defaultListenAddr),
		SessionToken: strings.TrimSpace(os.Getenv("SERVICENOW_MCP_SESSION_TOKEN")),

		LogLevel:       strings.ToLower(strings.TrimSpace(envOrDefault("SERVICENOW_MCP_LOG_LEVEL", "info"))),
		LogFile:        strings.TrimSpace(os.Getenv("SERVICENOW_MCP_LOG_FILE")),
		MetricsEnabled: envBool("SERVICENOW_MCP_METRICS_ENABLED", true),
	}

	if cfg.InstanceURL == "" {
		return Config{}, fmt.Errorf("SERVICENOW_INSTANCE_URL is required")
	}
	parsed, err := url.Parse(cfg.InstanceURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return Config{}, fmt.Errorf("invalid SERVICENOW_INSTANCE_URL %q (expected https://<instance>.service-now.com)", cfg.InstanceURL)
	}

	label, err := policy.ParseEnvironmentLabel(os.Getenv("SERVICENOW_ENV"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SERVICENOW_ENV: %w", err)
	}
	cfg.Environment = label

	maxRows, err := strictPositiveInt("MAX_ROW_LIMIT", defaultMaxRowLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRowLimit = maxRows

	ttl, err := strictPositiveDuration("SERVICENOW_MCP_PREVIEW_TTL", defaultPreviewTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PreviewTTL = ttl

	if _, ok := ToolPackages[cfg.ToolPackage]; !ok {
		return Config{}, fmt.Errorf("unknown MCP_TOOL_PACKAGE %q (available: %s)", cfg.ToolPackage, strings.Join(PackageNames(), ", "))
	}

	switch cfg.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return Config{}, fmt.Errorf("invalid SERVICENOW_MCP_TRANSPORT %q (allowed: %s|%s)", cfg.Transport, TransportStdio, TransportHTTP)
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// EnvironmentContext returns the write-gating context described by cfg.
func (c Config) EnvironmentContext() policy.Environment {
	return policy.Environment{Label: c.Environment, AllowWritesOverride: c.AllowWritesInProd}
}

func csvList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		default:
			return defaultVal
		}
	}
	return parsed
}

func envPositiveInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envNonNegativeInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return defaultVal
	}
	return parsed
}

func envPositiveFloat(key string, defaultVal float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envPositiveDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

// strictPositiveInt fails instead of falling back when the value is set but
// unusable.
func strictPositiveInt(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, v)
	}
	return parsed, nil
}

func strictPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration such as 5m", key, v)
	}
	return parsed, nil
}
