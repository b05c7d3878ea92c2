package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.DialsDriver())
	assert.Equal(t, 168*time.Hour, cfg.Retention())
	assert.Equal(t, time.Hour, cfg.SweepInterval())
	assert.Equal(t, 3, cfg.Environments["production"])
}

func TestFromYAMLMergesOverDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
storage:
  driver: sqlite
  dials: redis
  redis:
    addr: 127.0.0.1:6379
auth:
  api_keys:
    - id: ci
      actor: ci-bot
      key_hash: ` + sampleHash + `
      permissions: [handoff.read, dial.read]
environments:
  qa: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.DialsDriver())
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Environments["qa"])
	assert.Equal(t, 4, cfg.Environments["staging"])
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "ci-bot", cfg.Auth.APIKeys[0].Actor)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":       "storage:\n  driver: postgres\n",
		"redis addr":   "storage:\n  dials: redis\n",
		"key hash":     "auth:\n  api_keys:\n    - actor: a\n      key_hash: nothex\n",
		"permission":   "auth:\n  legacy_permissions: [handoff.delete]\n",
		"env cap":      "environments:\n  qa: 9\n",
		"sweep":        "handoffs:\n  sweep_interval: soon\n",
		"retention":    "handoffs:\n  retention_hours: 0\n",
		"log format":   "log:\n  format: xml\n",
		"burst":        "server:\n  rate_limit:\n    rps: 5\n    burst: 0\n",
		"base path":    "server:\n  base_path: v1\n",
		"empty schema": "context:\n  schemas:\n    custom: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: :9999\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestYAMLRoundTrip(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "retention_hours: 168"))
	cfg, err := FromYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
