package config

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{envListenAddr, envDBPath, envEntities, envHelperPath, envLogLevel, envBusName, envAllowedUIDs} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, defaultDBPath, cfg.DBPath)
	assert.Equal(t, defaultHelperPath, cfg.HelperPath)
	assert.Equal(t, defaultBusName, cfg.BusName)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Empty(t, cfg.AllowedUIDs)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envEntities, "/tmp/entities.yaml")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envAllowedUIDs, "1000, 1001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "/tmp/entities.yaml", cfg.Entities)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, []uint32{1000, 1001}, cfg.AllowedUIDs)
}

func TestLoadRejectsBadUIDs(t *testing.T) {
	clearEnv(t)
	t.Setenv(envAllowedUIDs, "1000,alice")

	_, err := Load()
	assert.Error(t, err, "expected error for a non-numeric uid")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"invalid", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.input), "ParseLogLevel(%q)", tt.input)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, logrus.InfoLevel)

	logger.WithField("key", "value").Info("test message")
	logger.Debug("filtered")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())

	for _, key := range []string{"time", "level", "msg"} {
		assert.Contains(t, entry, key)
	}
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestNewHelperLoggerIsPlainText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewHelperLogger(&buf, logrus.InfoLevel)

	logger.Info("adding component")

	out := buf.String()
	assert.Contains(t, out, `msg="adding component"`)
	assert.NotContains(t, out, "time=")
}
