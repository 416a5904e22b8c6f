package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `[common]
FS_HOST = 10.0.0.5
FS_PORT = 8021
FS_PASSWORD = secret
CONNECT_TIMEOUT = 5
OUTBOUND_ADDRESS = 10.0.0.6:8084
AUTH_ID = MAXXXXXXXXXXXXXXXXXX
AUTH_TOKEN = tok
ALLOWED_IPS = 10.0.0.1, 10.0.0.2
DEFAULT_ANSWER_URL = http://x.example.com/answer/
DEFAULT_HTTP_METHOD = GET
EXTRA_FS_VARS = variable_duration,Channel-State

[rest_server]
ADDRESS = 0.0.0.0:8088

[outbound_server]
ADDRESS = 0.0.0.0:8084

[cache]
ENABLED = true
REDIS_ADDR = 10.0.0.7:6379
REDIS_DB = 2
PATH = /tmp/media-cache

[logging]
LEVEL = debug
FORMAT = json
CONSOLE = false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs-bridge.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	common, rest, outbound, cache, logging := cfg.Snapshot()
	assert.Equal(t, "10.0.0.5", common.FSHost)
	assert.Equal(t, 8021, common.FSPort)
	assert.Equal(t, "secret", common.FSPassword)
	assert.Equal(t, 5, common.ConnectTimeout)
	assert.Equal(t, "10.0.0.6:8084", common.OutboundAddress)
	assert.Equal(t, "MAXXXXXXXXXXXXXXXXXX", common.AuthID)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, common.AllowedIPs)
	assert.Equal(t, "http://x.example.com/answer/", common.DefaultAnswerURL)
	assert.Equal(t, "GET", common.DefaultHTTPMethod)
	assert.Equal(t, []string{"variable_duration", "Channel-State"}, common.ExtraFSVars)

	assert.Equal(t, "0.0.0.0:8088", rest.Address)
	assert.Equal(t, "0.0.0.0:8084", outbound.Address)

	assert.True(t, cache.Enabled)
	assert.Equal(t, "10.0.0.7:6379", cache.RedisAddr)
	assert.Equal(t, 2, cache.RedisDB)
	assert.Equal(t, "/tmp/media-cache", cache.Path)

	assert.Equal(t, "debug", logging.Level)
	assert.Equal(t, "json", logging.Format)
	assert.False(t, logging.Console)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	common, rest, outbound, cache, logging := cfg.Snapshot()
	assert.Equal(t, "127.0.0.1", common.FSHost)
	assert.Equal(t, 8021, common.FSPort)
	assert.Equal(t, "ClueCon", common.FSPassword)
	assert.Equal(t, "POST", common.DefaultHTTPMethod)
	assert.Nil(t, common.AllowedIPs)
	assert.Equal(t, "127.0.0.1:8088", rest.Address)
	assert.Equal(t, "127.0.0.1:8084", outbound.Address)
	assert.False(t, cache.Enabled)
	assert.Equal(t, "info", logging.Level)
	assert.True(t, logging.Console)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	assert.Error(t, err)
}

func TestReloadKeepsSnapshotOnError(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	err = cfg.Reload()
	require.Error(t, err)

	common, _, _, _, _ := cfg.Snapshot()
	assert.Equal(t, "10.0.0.5", common.FSHost)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[common]\nFS_HOST = 10.9.9.9\n"), 0o644))
	require.NoError(t, cfg.Reload())

	common, _, _, _, _ := cfg.Snapshot()
	assert.Equal(t, "10.9.9.9", common.FSHost)
}
