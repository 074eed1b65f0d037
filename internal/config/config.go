package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Home      string
	Log       LogConfig
	Server    ServerConfig
	Docker    DockerConfig
	Ports     PortsConfig
	Store     StoreConfig
	Events    EventsConfig
	Readiness ReadinessConfig
	Snapshot  SnapshotConfig
	Cleanup   CleanupConfig
	Safety    SafetyConfig
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	APIKey       string
}

type DockerConfig struct {
	Image       string
	HelperImage string // used to wipe a data mount before import
	StopTimeout int    // seconds
	PullTimeout time.Duration
}

type PortsConfig struct {
	HTTPBase  int
	BoltBase  int
	Stride    int
	MaxProbes int
	BindHost  string
	Backend   string // "file" or "valkey"
	TablePath string
	LockWait  time.Duration
	// StaleAfter protects fresh reservations whose container is not
	// created yet from being reclaimed.
	StaleAfter time.Duration
}

type StoreConfig struct {
	ValkeyAddr string
	Password   string
	DB         int
	Key        string
}

type EventsConfig struct {
	NATSURL       string // empty disables publishing
	StreamName    string
	SubjectPrefix string
}

type ReadinessConfig struct {
	Interval     time.Duration
	Attempts     int
	QueryTimeout time.Duration
}

type SnapshotConfig struct {
	Dir string
}

type CleanupConfig struct {
	KeepDays int
	Interval time.Duration // zero disables the periodic sweep in the server
	Workers  int
}

type SafetyConfig struct {
	AllowProductionDestroy bool
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	home := getEnv("NEODOCK_HOME", defaultHome())

	return &Config{
		Home: home,
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "127.0.0.1"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			APIKey:       getEnv("API_KEY", ""),
		},
		Docker: DockerConfig{
			Image:       getEnv("NEODOCK_IMAGE", "neo4j:5"),
			HelperImage: getEnv("NEODOCK_HELPER_IMAGE", "busybox:1.36"),
			StopTimeout: getEnvInt("NEODOCK_STOP_TIMEOUT", 10),
			PullTimeout: getEnvDuration("NEODOCK_PULL_TIMEOUT", 5*time.Minute),
		},
		Ports: PortsConfig{
			HTTPBase:   getEnvInt("NEODOCK_HTTP_PORT_BASE", 7474),
			BoltBase:   getEnvInt("NEODOCK_BOLT_PORT_BASE", 7687),
			Stride:     getEnvInt("NEODOCK_PORT_STRIDE", 10),
			MaxProbes:  getEnvInt("NEODOCK_PORT_MAX_PROBES", 100),
			BindHost:   getEnv("NEODOCK_BIND_HOST", "127.0.0.1"),
			Backend:    getEnv("NEODOCK_PORT_BACKEND", "file"),
			TablePath:  getEnv("NEODOCK_PORT_TABLE", filepath.Join(home, "ports.json")),
			LockWait:   getEnvDuration("NEODOCK_PORT_LOCK_WAIT", 10*time.Second),
			StaleAfter: getEnvDuration("NEODOCK_PORT_STALE_AFTER", 2*time.Minute),
		},
		Store: StoreConfig{
			ValkeyAddr: getEnv("VALKEY_ADDR", "localhost:6379"),
			Password:   getEnv("VALKEY_PASSWORD", ""),
			DB:         getEnvInt("VALKEY_DB", 0),
			Key:        getEnv("VALKEY_PORT_KEY", "neodock:ports"),
		},
		Events: EventsConfig{
			NATSURL:       getEnv("NATS_URL", ""),
			StreamName:    getEnv("NATS_STREAM_NAME", "NEODOCK"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "neodock"),
		},
		Readiness: ReadinessConfig{
			Interval:     getEnvDuration("NEODOCK_READY_INTERVAL", 1*time.Second),
			Attempts:     getEnvInt("NEODOCK_READY_ATTEMPTS", 30),
			QueryTimeout: getEnvDuration("NEODOCK_READY_QUERY_TIMEOUT", 5*time.Second),
		},
		Snapshot: SnapshotConfig{
			Dir: getEnv("NEODOCK_SNAPSHOT_DIR", filepath.Join(home, "snapshots")),
		},
		Cleanup: CleanupConfig{
			KeepDays: getEnvInt("NEODOCK_CLEANUP_KEEP_DAYS", 7),
			Interval: getEnvDuration("NEODOCK_CLEANUP_INTERVAL", 0),
			Workers:  getEnvInt("NEODOCK_WORKERS", 4),
		},
		Safety: SafetyConfig{
			AllowProductionDestroy: getEnvBool("NEODOCK_ALLOW_PRODUCTION_DESTROY", false),
		},
	}
}

func defaultHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".neodock")
	}
	return filepath.Join(os.TempDir(), "neodock")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
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
