package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/genbot/internal/memstore"
	"github.com/inaiurai/genbot/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ImageAPI.Timeout)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Sweep.StuckAfter)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.Period)
	assert.Equal(t, 2*time.Hour, cfg.Sweep.PendingAfter)
	assert.Equal(t, "genbot.tasks", cfg.Kafka.Topic)
	assert.Equal(t, 10, cfg.Workers.MaxWorkers)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
image_api:
  url: https://images.example.com
  timeout: 10s
kafka:
  brokers: [k1:9092, k2:9092]
sweep:
  stuck_after: 45m
`), 0o600))

	t.Setenv("GENBOT_IMAGE_API_URL", "https://override.example.com")
	t.Setenv("DATABASE_URL", "postgres://legacy")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "https://override.example.com", cfg.ImageAPI.URL)
	assert.Equal(t, 10*time.Second, cfg.ImageAPI.Timeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Minute, cfg.Sweep.StuckAfter)
	assert.Equal(t, "postgres://legacy", cfg.DatabaseURL)
}

func TestLoad_PrefixedEnvBeatsLegacy(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("GENBOT_PORT", "7100")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7100", cfg.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func newRuntime(t *testing.T) (*Runtime, *memstore.Config, *time.Time) {
	t.Helper()
	src := memstore.New().Config()
	rt := NewRuntime(src, time.Minute, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rt.SetClock(func() time.Time { return now })
	return rt, src, &now
}

func TestRuntime_Defaults(t *testing.T) {
	rt, _, _ := newRuntime(t)
	ctx := context.Background()
	assert.Equal(t, 10, rt.ImageBaseCost(ctx))
	assert.Equal(t, 1, rt.ChatMessageCost(ctx))
	assert.Equal(t, 50, rt.SignupBonus(ctx))
	assert.False(t, rt.Maintenance(ctx))
	assert.Equal(t, "x", rt.String(ctx, "unknown_key", "x"))
}

func TestRuntime_CachesUntilTTL(t *testing.T) {
	rt, src, now := newRuntime(t)
	ctx := context.Background()
	require.NoError(t, src.Set(ctx, KeyImageBaseCost, "12"))

	assert.Equal(t, 12, rt.ImageBaseCost(ctx))
	require.NoError(t, src.Set(ctx, KeyImageBaseCost, "20"))
	assert.Equal(t, 12, rt.ImageBaseCost(ctx))
	assert.Equal(t, 1, src.Loads)

	*now = now.Add(time.Minute)
	assert.Equal(t, 20, rt.ImageBaseCost(ctx))
	assert.Equal(t, 2, src.Loads)
}

func TestRuntime_RefreshAndSet(t *testing.T) {
	rt, src, _ := newRuntime(t)
	ctx := context.Background()
	assert.False(t, rt.Maintenance(ctx))

	require.NoError(t, src.Set(ctx, KeyMaintenanceMode, "on"))
	assert.False(t, rt.Maintenance(ctx))
	require.NoError(t, rt.Refresh(ctx))
	assert.True(t, rt.Maintenance(ctx))

	require.NoError(t, rt.Set(ctx, KeyMaintenanceMode, "false"))
	assert.False(t, rt.Maintenance(ctx))

	err := rt.Set(ctx, "  ", "1")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRuntime_BadValuesFallBack(t *testing.T) {
	rt, src, _ := newRuntime(t)
	ctx := context.Background()
	require.NoError(t, src.Set(ctx, KeySignupBonus, "lots"))
	require.NoError(t, src.Set(ctx, KeyMaintenanceMode, "maybe"))
	assert.Equal(t, 50, rt.SignupBonus(ctx))
	assert.False(t, rt.Maintenance(ctx))
}

func TestRuntime_ReloadFailureKeepsCache(t *testing.T) {
	db := memstore.New()
	src := db.Config()
	rt := NewRuntime(src, time.Minute, nil)
	now := time.Now()
	rt.SetClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, src.Set(ctx, KeyChatMessageCost, "3"))
	assert.Equal(t, 3, rt.ChatMessageCost(ctx))

	db.FailOn("config.list", errors.New("db down"), 2)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 3, rt.ChatMessageCost(ctx))
	assert.Error(t, rt.Refresh(ctx))
}

func TestRuntime_All(t *testing.T) {
	rt, src, _ := newRuntime(t)
	ctx := context.Background()
	require.NoError(t, src.Set(ctx, KeySignupBonus, "75"))
	all := rt.All(ctx)
	keys := make([]string, 0, len(all))
	values := map[string]string{}
	for _, e := range all {
		keys = append(keys, e.Key)
		values[e.Key] = e.Value
	}
	assert.Equal(t, []string{KeyChatMessageCost, KeyImageBaseCost, KeyMaintenanceMode, KeySignupBonus}, keys)
	assert.Equal(t, "75", values[KeySignupBonus])
}
