package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, v map[string]any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"dbConn":   "localhost:5432",
		"dbName":   "syncd",
		"dbUser":   "syncd",
		"dbPass":   "secret",
		"adminKey": "admin-secret",
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, 1, cfg.SchemaVersionMin)
	assert.Equal(t, 1, cfg.SchemaVersionMax)
	assert.Equal(t, int64(1000), cfg.KeepNewestCommits)
	assert.Equal(t, 30, cfg.HeartbeatIntervalSeconds)
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"dbConn": "localhost:5432",
	})

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestConnStringEscapesSpecialCharacters(t *testing.T) {
	cfg := &Config{DBUser: "syncd", DBPass: "p@ss/word", DBConn: "localhost:5432", DBName: "syncd"}
	conn := cfg.ConnString()
	assert.Contains(t, conn, "p%40ss%2Fword")
}
