package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RouteCacheTTL time.Duration

	LockSweepInterval time.Duration

	DatabaseURL string

	NATSEnabled bool
	NATSURL     string

	GTFSRTEnabled bool
	GTFSRTURL     string
	PollInterval  time.Duration

	GTFSEnabled        bool
	GTFSURL            string
	GTFSUpdateInterval time.Duration
	GTFSCacheDir       string

	VehicleStaleAfter time.Duration
	TileZoomLevel     int
	IngestWorkers     int
	ReadingRetention  time.Duration
	RetentionInterval time.Duration

	MetricsEnabled bool

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string
}

// Load reads the environment, after merging a .env file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:     getCSVEnv("CORS_ORIGINS"),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RouteCacheTTL: getDurationEnv("ROUTE_CACHE_TTL", time.Hour),

		LockSweepInterval: getDurationEnv("LOCK_SWEEP_INTERVAL", 15*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		NATSEnabled: getBoolEnv("NATS_ENABLED", false),
		NATSURL:     getEnv("NATS_URL", ""),

		GTFSRTEnabled: getBoolEnv("GTFSRT_ENABLED", false),
		GTFSRTURL:     getEnv("GTFSRT_VEHICLE_POSITIONS_URL", ""),
		PollInterval:  getDurationEnv("POLL_INTERVAL", 10*time.Second),

		GTFSEnabled:        getBoolEnv("GTFS_ENABLED", false),
		GTFSURL:            getEnv("GTFS_URL", ""),
		GTFSUpdateInterval: getDurationEnv("GTFS_UPDATE_INTERVAL", 24*time.Hour),
		GTFSCacheDir:       getEnv("GTFS_CACHE_DIR", ""),

		VehicleStaleAfter: getDurationEnv("VEHICLE_STALE_AFTER", 5*time.Minute),
		TileZoomLevel:     getIntEnv("TILE_ZOOM_LEVEL", 14),
		IngestWorkers:     getIntEnv("INGEST_WORKERS", 4),
		ReadingRetention:  getDurationEnv("READING_RETENTION", 30*24*time.Hour),
		RetentionInterval: getDurationEnv("RETENTION_INTERVAL", time.Hour),

		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.GTFSRTEnabled && c.GTFSRTURL == "" {
		errs = append(errs, errors.New("GTFSRT_VEHICLE_POSITIONS_URL is required when GTFSRT_ENABLED is set"))
	}
	if c.GTFSEnabled && c.GTFSURL == "" {
		errs = append(errs, errors.New("GTFS_URL is required when GTFS_ENABLED is set"))
	}
	if c.GTFSEnabled && c.GTFSUpdateInterval <= 0 {
		errs = append(errs, errors.New("GTFS_UPDATE_INTERVAL must be positive"))
	}
	if c.NATSEnabled && c.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required when NATS_ENABLED is set"))
	}
	if c.IngestWorkers < 1 {
		errs = append(errs, fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", c.IngestWorkers))
	}
	if c.TileZoomLevel < 0 || c.TileZoomLevel > 22 {
		errs = append(errs, fmt.Errorf("TILE_ZOOM_LEVEL must be within [0, 22], got %d", c.TileZoomLevel))
	}
	if c.RateLimitPerWindow < 1 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_WINDOW and RATE_LIMIT_WINDOW must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
