package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevelAndReload(t *testing.T) {
	log := Setup(Options{Level: "debug", Console: true})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	// Reload with a different level reconfigures the same logger.
	again := Setup(Options{Level: "warn", Console: true})
	assert.Same(t, log, again)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	// Garbage levels fall back to info.
	Setup(Options{Level: "shouty", Console: true})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestSetupFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs-bridge.log")
	log := Setup(Options{Level: "info", File: path})
	log.Info("hello from the file sink")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the file sink")
}

func TestComponentCarriesField(t *testing.T) {
	entry := Component("eventsocket")
	assert.Equal(t, "eventsocket", entry.Data["component"])
}
