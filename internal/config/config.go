// Package config loads server configuration from environment variables.
//
// Required variables:
//   - UPSTREAM_URL: base URL of the upstream flag API, e.g.
//     "https://unleash.example.com/api".
//
// Optional variables:
//   - UPSTREAM_API_KEY: client token sent upstream in the Authorization header.
//   - APP_NAME / ENVIRONMENT / INSTANCE_ID: identity reported upstream and
//     merged into every evaluation context (defaults "togglez", "default",
//     random UUID).
//   - HTTP_ADDR / GRPC_ADDR: listen addresses (defaults ":8080", ":9090").
//   - LOG_LEVEL / LOG_FORMAT: "info" and "json" by default.
//   - REFRESH_INTERVAL: upstream poll interval (default "15s", must be > 0).
//   - METRICS_INTERVAL: usage report interval (default "60s", must be > 0).
//   - DISABLE_METRICS: skip usage reporting when true.
//   - BACKUP_PATH: directory for file backups of fetched definitions.
//   - DATABASE_URL: Postgres for backups and edge API keys; takes precedence
//     over BACKUP_PATH.
//   - EDGE_API_KEYS: static edge keys as "id=hash,id=hash".
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body in bytes (default 1MiB).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultGRPCAddr              = ":9090"
	defaultAppName               = "togglez"
	defaultEnvironment           = "default"
	defaultRefreshInterval       = 15 * time.Second
	defaultMetricsInterval       = time.Minute
	defaultAuthRateLimit         = 10
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the togglez server.
type Config struct {
	UpstreamURL     string
	UpstreamAPIKey  string
	AppName         string
	Environment     string
	InstanceID      string
	HTTPAddr        string
	GRPCAddr        string
	LogLevel        string
	LogFormat       string
	RefreshInterval time.Duration
	MetricsInterval time.Duration
	DisableMetrics  bool
	BackupPath      string
	DatabaseURL     string
	EdgeAPIKeys     map[string]string
	AuthRateLimit   int
	MaxJSONBodySize int64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	upstreamURL := strings.TrimSpace(os.Getenv("UPSTREAM_URL"))
	if upstreamURL == "" {
		return Config{}, errors.New("UPSTREAM_URL is required")
	}
	parsedURL, err := url.Parse(upstreamURL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return Config{}, errors.New("UPSTREAM_URL must be an absolute http(s) URL")
	}

	refreshInterval, err := positiveDuration("REFRESH_INTERVAL", defaultRefreshInterval)
	if err != nil {
		return Config{}, err
	}
	metricsInterval, err := positiveDuration("METRICS_INTERVAL", defaultMetricsInterval)
	if err != nil {
		return Config{}, err
	}

	disableMetrics := false
	if v := strings.TrimSpace(os.Getenv("DISABLE_METRICS")); v != "" {
		disableMetrics, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse DISABLE_METRICS: %w", err)
		}
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	edgeKeys, err := ParseEdgeAPIKeys(os.Getenv("EDGE_API_KEYS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse EDGE_API_KEYS: %w", err)
	}

	return Config{
		UpstreamURL:     upstreamURL,
		UpstreamAPIKey:  strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY")),
		AppName:         envOrDefault("APP_NAME", defaultAppName),
		Environment:     envOrDefault("ENVIRONMENT", defaultEnvironment),
		InstanceID:      envOrDefault("INSTANCE_ID", uuid.NewString()),
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:        envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		RefreshInterval: refreshInterval,
		MetricsInterval: metricsInterval,
		DisableMetrics:  disableMetrics,
		BackupPath:      strings.TrimSpace(os.Getenv("BACKUP_PATH")),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		EdgeAPIKeys:     edgeKeys,
		AuthRateLimit:   authRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
	}, nil
}

// ParseEdgeAPIKeys parses "id=hash,id=hash". Blank entries are ignored; an
// entry without an id or hash, or a repeated id, is an error.
func ParseEdgeAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, "=")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("entry %q: want id=hash", entry)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("entry %q: key id must not contain '.'", entry)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("entry %q: duplicate key id", entry)
		}
		keys[id] = hash
	}
	return keys, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
