package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	defaultListenAddr = "127.0.0.1:8086"
	defaultDBPath     = "/var/lib/nonsense/nonsense.db"
	defaultEntities   = "/etc/nonsense/entities.yaml"
	defaultHelperPath = "/usr/libexec/nonsense-entityd"
	defaultBusName    = "org.nonsense"

	envListenAddr  = "NONSENSE_LISTEN_ADDR"
	envDBPath      = "NONSENSE_DB_PATH"
	envEntities    = "NONSENSE_ENTITIES"
	envHelperPath  = "NONSENSE_HELPER_PATH"
	envLogLevel    = "NONSENSE_LOG_LEVEL"
	envBusName     = "NONSENSE_BUS_NAME"
	envAllowedUIDs = "NONSENSE_ALLOWED_UIDS"
)

// Config holds daemon configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBPath      string
	Entities    string
	HelperPath  string
	BusName     string
	LogLevel    logrus.Level
	AllowedUIDs []uint32
}

// Load reads configuration from environment variables with sensible defaults.
// A malformed NONSENSE_ALLOWED_UIDS is an error; it guards access.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		Entities:   defaultEntities,
		HelperPath: defaultHelperPath,
		BusName:    defaultBusName,
		LogLevel:   logrus.InfoLevel,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envEntities); v != "" {
		cfg.Entities = v
	}
	if v := os.Getenv(envHelperPath); v != "" {
		cfg.HelperPath = v
	}
	if v := os.Getenv(envBusName); v != "" {
		cfg.BusName = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envAllowedUIDs); v != "" {
		uids, err := ParseUIDs(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envAllowedUIDs, err)
		}
		cfg.AllowedUIDs = uids
	}

	return cfg, nil
}

// ParseLogLevel maps a level name to a logrus level, defaulting to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseUIDs parses a comma-separated list of user ids.
func ParseUIDs(s string) ([]uint32, error) {
	var uids []uint32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		uid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid uid %q", field)
		}
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

// NewHelperLogger creates the text logger of an entity helper. The daemon
// forwards its lines, so they carry no timestamp of their own.
func NewHelperLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return log
}
