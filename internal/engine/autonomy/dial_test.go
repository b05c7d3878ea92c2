package autonomy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentrelay/internal/db"
	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
	"agentrelay/internal/repo"
)

func dialStores(t *testing.T, fn func(t *testing.T, store repo.DialStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, repo.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		conn, err := db.Open(context.Background(), db.Config{Workspace: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		fn(t, repo.SQLite{DB: conn})
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		fn(t, repo.NewRedisDials(client, "test:"))
	})
}

func newTestDial(t *testing.T, store repo.DialStore, clock *time.Time) *Dial {
	d := NewDial(store, nil, zaptest.NewLogger(t), metrics.New())
	d.Now = func() time.Time { return *clock }
	return d
}

func TestDialDefaultAndCaps(t *testing.T) {
	dialStores(t, func(t *testing.T, store repo.DialStore) {
		ctx := context.Background()
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		d := newTestDial(t, store, &clock)

		lvl, err := d.GetDialLevel(ctx, "o", "r")
		require.NoError(t, err)
		assert.Equal(t, 1, lvl.Level)
		assert.True(t, lvl.IsDefault)
		assert.Nil(t, lvl.UpdatedAt)

		_, err = d.SetDialLevel(ctx, "o", "r", 5, "admin")
		require.NoError(t, err)

		lvl, err = d.GetDialLevel(ctx, "o", "r")
		require.NoError(t, err)
		assert.Equal(t, 5, lvl.Level)
		assert.False(t, lvl.IsDefault)
		assert.Equal(t, "admin", lvl.UpdatedBy)

		eff, err := d.GetEffectiveLevel(ctx, "o", "r", "production")
		require.NoError(t, err)
		assert.Equal(t, 3, eff)
		eff, err = d.GetEffectiveLevel(ctx, "o", "r", "")
		require.NoError(t, err)
		assert.Equal(t, 5, eff)
		eff, err = d.GetEffectiveLevel(ctx, "o", "r", "staging")
		require.NoError(t, err)
		assert.Equal(t, 4, eff)
		eff, err = d.GetEffectiveLevel(ctx, "o", "r", "dev")
		require.NoError(t, err)
		assert.Equal(t, 5, eff)
	})
}

func TestSetDialLevelPreservesCreatedAt(t *testing.T) {
	dialStores(t, func(t *testing.T, store repo.DialStore) {
		ctx := context.Background()
		clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		d := newTestDial(t, store, &clock)

		first, err := d.SetDialLevel(ctx, "o", "r", 2, "alice")
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
		second, err := d.SetDialLevel(ctx, "o", "r", 4, "bob")
		require.NoError(t, err)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

		stored, err := store.GetDial(ctx, "o", "r")
		require.NoError(t, err)
		assert.Equal(t, 4, stored.Level)
		assert.Equal(t, "bob", stored.UpdatedBy)
		assert.True(t, first.CreatedAt.Equal(stored.CreatedAt))

		all, err := d.ListDials(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "o", all[0].Owner)
	})
}

func TestSetDialLevelValidation(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	d := newTestDial(t, repo.NewMemory(), &clock)

	for _, level := range []int{0, 6} {
		_, err := d.SetDialLevel(ctx, "o", "r", level, "admin")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	}
	_, err := d.SetDialLevel(ctx, "o", "r", 3, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = d.GetDialLevel(ctx, "", "r")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = d.GetDialLevel(ctx, "o", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnvironmentCaps(t *testing.T) {
	d := NewDial(repo.NewMemory(), map[string]int{"QA": 2}, nil, nil)
	cases := map[string]int{
		"":            5,
		"local":       5,
		"Development": 5,
		"stage":       4,
		"prod":        3,
		"qa":          2,
		"moon-base":   3,
	}
	for env, want := range cases {
		assert.Equal(t, want, d.effective(5, env), env)
	}
	assert.Equal(t, 2, d.effective(2, "production"))
}

func TestDialIsActionPermitted(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	d := newTestDial(t, repo.NewMemory(), &clock)
	_, err := d.SetDialLevel(ctx, "acme", "api", 5, "admin")
	require.NoError(t, err)

	dec, err := d.IsActionPermitted(ctx, "acme", "api", "merge_pull_request", "production")
	require.NoError(t, err)
	assert.False(t, dec.Permitted)
	assert.Equal(t, 5, dec.DialLevel)
	assert.Equal(t, 3, dec.EffectiveLevel)
	assert.Equal(t, 5, dec.RequiredLevel)
	assert.Equal(t, T5, dec.Tier)
	assert.Contains(t, dec.Reason, "is blocked")

	dec, err = d.IsActionPermitted(ctx, "acme", "api", "merge_pull_request", "")
	require.NoError(t, err)
	assert.True(t, dec.Permitted)
	assert.Contains(t, dec.Reason, "is permitted")

	dec, err = d.IsActionPermitted(ctx, "acme", "other", "read_file", "production")
	require.NoError(t, err)
	assert.True(t, dec.Permitted)
	assert.True(t, dec.IsDefaultLevel)

	_, err = d.IsActionPermitted(ctx, "acme", "api", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
