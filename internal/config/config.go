package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// StaticDir is the absolute path to the directory served at /static/.
	// Set via STATIC_DIR (relative paths are resolved against the process working directory at startup).
	StaticDir string

	// APIURL is the base of the sensor API; readings are fetched from APIURL + "/sensor-data".
	APIURL             string
	APITimeout         time.Duration
	APIBreakerFailures int
	APIBreakerOpenFor  time.Duration

	// EventsURL is the broker carrying sensorUpdate and alertUpdate events.
	EventsURL            string
	EventsClientID       string
	EventsTopicPrefix    string
	EventsConnectRetries int

	TokenCookie string
	LoginPath   string

	ViewIdleTimeout     time.Duration
	ViewRefreshInterval time.Duration
	DisplayLocation     *time.Location
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := envOr("HTTP_ADDR", ":8080")

	staticDir := envOr("STATIC_DIR", "static")
	staticDir, err = filepath.Abs(staticDir)
	if err != nil {
		return Config{}, fmt.Errorf("STATIC_DIR %q: %w", staticDir, err)
	}

	apiURL, err := parseBaseURL("API_URL", envOr("API_URL", "http://localhost:5000/api"), "http", "https")
	if err != nil {
		return Config{}, err
	}
	apiTimeout, err := parsePositiveDuration("API_TIMEOUT", envOr("API_TIMEOUT", "5s"))
	if err != nil {
		return Config{}, err
	}
	breakerFailures, err := parsePositiveInt("API_BREAKER_FAILURES", envOr("API_BREAKER_FAILURES", "5"))
	if err != nil {
		return Config{}, err
	}
	breakerOpenFor, err := parsePositiveDuration("API_BREAKER_OPEN_FOR", envOr("API_BREAKER_OPEN_FOR", "30s"))
	if err != nil {
		return Config{}, err
	}

	eventsURL, err := parseBaseURL("EVENTS_URL", envOr("EVENTS_URL", "tcp://localhost:1883"), "tcp", "ssl", "ws", "wss")
	if err != nil {
		return Config{}, err
	}
	topicPrefix := strings.Trim(envOr("EVENTS_TOPIC_PREFIX", "forestwatch/events"), "/")
	if topicPrefix == "" || strings.ContainsAny(topicPrefix, "+#") {
		return Config{}, fmt.Errorf("invalid EVENTS_TOPIC_PREFIX %q (must be a non-empty topic without wildcards)", os.Getenv("EVENTS_TOPIC_PREFIX"))
	}
	connectRetriesStr := envOr("EVENTS_CONNECT_RETRIES", "3")
	connectRetries, err := strconv.Atoi(connectRetriesStr)
	if err != nil || connectRetries < 0 {
		return Config{}, fmt.Errorf("invalid EVENTS_CONNECT_RETRIES %q (must be an integer >= 0)", connectRetriesStr)
	}

	loginPath := envOr("LOGIN_PATH", "/components/Auth/")
	if !strings.HasPrefix(loginPath, "/") {
		return Config{}, fmt.Errorf("invalid LOGIN_PATH %q (must start with /)", loginPath)
	}

	idleTimeout, err := parsePositiveDuration("VIEW_IDLE_TIMEOUT", envOr("VIEW_IDLE_TIMEOUT", "2m"))
	if err != nil {
		return Config{}, err
	}
	refreshInterval, err := parsePositiveDuration("VIEW_REFRESH_INTERVAL", envOr("VIEW_REFRESH_INTERVAL", "2s"))
	if err != nil {
		return Config{}, err
	}

	tz := envOr("DISPLAY_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", tz, err)
	}

	return Config{
		AppEnv:               appEnv,
		LogLevel:             level,
		HTTPAddr:             httpAddr,
		StaticDir:            staticDir,
		APIURL:               apiURL,
		APITimeout:           apiTimeout,
		APIBreakerFailures:   breakerFailures,
		APIBreakerOpenFor:    breakerOpenFor,
		EventsURL:            eventsURL,
		EventsClientID:       envOr("EVENTS_CLIENT_ID", "forestwatch-server"),
		EventsTopicPrefix:    topicPrefix,
		EventsConnectRetries: connectRetries,
		TokenCookie:          envOr("TOKEN_COOKIE", "token"),
		LoginPath:            loginPath,
		ViewIdleTimeout:      idleTimeout,
		ViewRefreshInterval:  refreshInterval,
		DisplayLocation:      loc,
	}, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

// parseBaseURL requires an absolute URL with one of the given schemes and
// returns it without a trailing slash.
func parseBaseURL(key, raw string, schemes ...string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid %s %q (missing host)", key, raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return strings.TrimRight(raw, "/"), nil
		}
	}
	return "", fmt.Errorf("invalid %s %q (allowed schemes: %s)", key, raw, strings.Join(schemes, ", "))
}

func parsePositiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q (must be > 0)", key, raw)
	}
	return d, nil
}

func parsePositiveInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q (must be > 0)", key, raw)
	}
	return n, nil
}
