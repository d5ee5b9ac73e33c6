package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "stoker.db"
	defaultCluster      = "default"
	defaultLaunchType   = "FARGATE"
	defaultLogGroup     = "stoker"
	defaultPollInterval = 5 * time.Second
	defaultRunTimeout   = 2 * time.Hour

	envListenAddr   = "STOKER_LISTEN_ADDR"
	envDBPath       = "STOKER_DB_PATH"
	envLogLevel     = "STOKER_LOG_LEVEL"
	envCluster      = "STOKER_CLUSTER"
	envLaunchType   = "STOKER_LAUNCH_TYPE"
	envLogGroup     = "STOKER_LOG_GROUP"
	envPollInterval = "STOKER_POLL_INTERVAL"
	envRunTimeout   = "STOKER_RUN_TIMEOUT"
	envSubnets      = "STOKER_SUBNETS"
	envSecGroups    = "STOKER_SECURITY_GROUPS"
	envPublicIP     = "STOKER_ASSIGN_PUBLIC_IP"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Defaults applied to runs that do not specify their own placement.
	Cluster        string
	LaunchType     string
	LogGroup       string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
	PollInterval   time.Duration
	RunTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		Cluster:      defaultCluster,
		LaunchType:   defaultLaunchType,
		LogGroup:     defaultLogGroup,
		PollInterval: defaultPollInterval,
		RunTimeout:   defaultRunTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCluster); v != "" {
		cfg.Cluster = v
	}
	if v := os.Getenv(envLaunchType); v != "" {
		cfg.LaunchType = strings.ToUpper(v)
	}
	if v := os.Getenv(envLogGroup); v != "" {
		cfg.LogGroup = v
	}
	if v := os.Getenv(envSubnets); v != "" {
		cfg.Subnets = splitList(v)
	}
	if v := os.Getenv(envSecGroups); v != "" {
		cfg.SecurityGroups = splitList(v)
	}
	if v := os.Getenv(envPublicIP); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AssignPublicIP = b
		}
	}
	if v := os.Getenv(envPollInterval); v != "" {
		cfg.PollInterval = parseDuration(v, defaultPollInterval)
	}
	if v := os.Getenv(envRunTimeout); v != "" {
		cfg.RunTimeout = parseDuration(v, defaultRunTimeout)
	}

	return cfg
}

// splitList parses a comma-separated env value into trimmed, non-empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseDuration accepts Go duration strings ("30s") or bare seconds ("30").
func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
