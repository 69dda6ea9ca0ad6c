package config

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestStringToLogLevel(t *testing.T) {
	level, err := StringToLogLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, log.DebugLevel, level)

	level, err = StringToLogLevel("CRITICAL")
	assert.NoError(t, err)
	assert.Equal(t, log.PanicLevel, level)

	_, err = StringToLogLevel("chatty")
	assert.Error(t, err)
}

func TestReadConfigFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callsync-config.json")
	err := os.WriteFile(path, []byte(`{"PollIntervalMs": 500, "RedisAddr": "localhost:6379"}`), 0644)
	assert.NoError(t, err)

	config, err := ReadConfigFile(path)
	assert.NoError(t, err)

	// overridden fields
	assert.Equal(t, 500, config.PollIntervalMs)
	assert.Equal(t, "localhost:6379", config.RedisAddr)

	// everything else keeps its default
	assert.Equal(t, 45, config.RingTimeoutSec)
	assert.Equal(t, 64, config.MaxCandidatesPerRole)
	assert.Equal(t, "info", config.LogLevel)
}

func TestReadConfigFileMissing(t *testing.T) {
	config, err := ReadConfigFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
	// defaults still come back so the caller can proceed without a file
	assert.Equal(t, 2000, config.PollIntervalMs)
}
