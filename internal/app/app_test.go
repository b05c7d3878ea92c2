package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentrelay/internal/config"
	"agentrelay/internal/engine"
)

func TestBuildMemory(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	h, err := a.Engine.CreateHandoff(ctx, engine.CreateInput{Task: "x"}, nil)
	require.NoError(t, err)
	_, err = a.Context.Attach(ctx, h.ID, "decision_log", map[string]any{"decision": "ship", "rationale": "green"}, "bot")
	require.NoError(t, err)

	_, err = a.Dial.SetDialLevel(ctx, "o", "r", 2, "admin")
	require.NoError(t, err)
	lvl, err := a.Dial.GetDialLevel(ctx, "o", "r")
	require.NoError(t, err)
	assert.Equal(t, 2, lvl.Level)
}

func TestBuildSQLiteWithRedisDials(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLite.Workspace = t.TempDir()
	cfg.Storage.Dials = "redis"
	cfg.Storage.Redis.Addr = mr.Addr()
	cfg.Environments["qa"] = 2
	require.NoError(t, cfg.Validate())

	a, err := Build(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Dial.SetDialLevel(ctx, "o", "r", 5, "admin")
	require.NoError(t, err)
	assert.True(t, mr.Exists("relay:dial:o/r"))

	eff, err := a.Dial.GetEffectiveLevel(ctx, "o", "r", "qa")
	require.NoError(t, err)
	assert.Equal(t, 2, eff)

	h, err := a.Engine.CreateHandoff(ctx, engine.CreateInput{Task: "persisted"}, nil)
	require.NoError(t, err)
	got, err := a.Engine.GetHandoff(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.Task)

	sw := a.Sweeper()
	assert.Equal(t, cfg.Retention(), sw.Retention)
}

func TestBuildRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dials = "redis"
	cfg.Storage.Redis.Addr = "127.0.0.1:1"
	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}
