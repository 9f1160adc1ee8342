package config

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inaiurai/genbot/internal/models"
)

// Runtime setting keys and their fallbacks when the row is absent or unparsable.
const (
	KeyImageBaseCost   = "image_base_cost"
	KeyChatMessageCost = "chat_message_cost"
	KeySignupBonus     = "signup_bonus"
	KeyMaintenanceMode = "maintenance_mode"

	DefaultCacheTTL = 5 * time.Minute
)

var runtimeDefaults = map[string]string{
	KeyImageBaseCost:   "10",
	KeyChatMessageCost: "1",
	KeySignupBonus:     "50",
	KeyMaintenanceMode: "false",
}

// Source reads and writes the system_config table.
type Source interface {
	List(ctx context.Context) ([]models.ConfigEntry, error)
	Set(ctx context.Context, key, value string) error
}

type cache struct {
	values    map[string]models.ConfigEntry
	fetchedAt time.Time
}

// Runtime serves system_config values from a TTL cache. A failed reload keeps
// serving the previous values.
type Runtime struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	cache cache
}

func NewRuntime(source Source, ttl time.Duration, logger *slog.Logger) *Runtime {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{source: source, ttl: ttl, now: time.Now, logger: logger}
}

// SetClock replaces the time source used for expiry.
func (r *Runtime) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Refresh reloads every value from the table.
func (r *Runtime) Refresh(ctx context.Context) error {
	entries, err := r.source.List(ctx)
	if err != nil {
		return fmt.Errorf("load system config: %w", err)
	}
	values := make(map[string]models.ConfigEntry, len(entries))
	for _, e := range entries {
		values[e.Key] = e
	}
	r.mu.Lock()
	r.cache = cache{values: values, fetchedAt: r.now()}
	r.mu.Unlock()
	return nil
}

func (r *Runtime) ensureFresh(ctx context.Context) {
	r.mu.Lock()
	stale := r.cache.values == nil || r.now().Sub(r.cache.fetchedAt) >= r.ttl
	r.mu.Unlock()
	if !stale {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("system config reload failed, serving cached values", "error", err)
	}
}

func (r *Runtime) lookup(ctx context.Context, key string) (string, bool) {
	r.ensureFresh(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache.values[key]; ok {
		return e.Value, true
	}
	v, ok := runtimeDefaults[key]
	return v, ok
}

func (r *Runtime) String(ctx context.Context, key, fallback string) string {
	if v, ok := r.lookup(ctx, key); ok {
		return v
	}
	return fallback
}

func (r *Runtime) Int(ctx context.Context, key string, fallback int) int {
	v, ok := r.lookup(ctx, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.logger.Warn("system config value is not an integer", "key", key, "value", v)
		return fallback
	}
	return n
}

func (r *Runtime) Bool(ctx context.Context, key string, fallback bool) bool {
	v, ok := r.lookup(ctx, key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.logger.Warn("system config value is not a boolean", "key", key, "value", v)
	return fallback
}

// All returns the effective settings: stored rows plus defaults for missing keys.
func (r *Runtime) All(ctx context.Context) []models.ConfigEntry {
	r.ensureFresh(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConfigEntry, 0, len(r.cache.values)+len(runtimeDefaults))
	seen := make(map[string]bool, len(r.cache.values))
	for _, e := range r.cache.values {
		out = append(out, e)
		seen[e.Key] = true
	}
	for k, v := range runtimeDefaults {
		if !seen[k] {
			out = append(out, models.ConfigEntry{Key: k, Value: v, Description: "default"})
		}
	}
	sortEntries(out)
	return out
}

// Set writes through to the table and refreshes the cache.
func (r *Runtime) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: config key is required", models.ErrValidation)
	}
	if err := r.source.Set(ctx, key, value); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// Convenience getters for the known keys.

func (r *Runtime) ImageBaseCost(ctx context.Context) int {
	return r.Int(ctx, KeyImageBaseCost, 10)
}

func (r *Runtime) ChatMessageCost(ctx context.Context) int {
	return r.Int(ctx, KeyChatMessageCost, 1)
}

func (r *Runtime) SignupBonus(ctx context.Context) int {
	return r.Int(ctx, KeySignupBonus, 50)
}

func (r *Runtime) Maintenance(ctx context.Context) bool {
	return r.Bool(ctx, KeyMaintenanceMode, false)
}

func sortEntries(list []models.ConfigEntry) {
	slices.SortFunc(list, func(a, b models.ConfigEntry) int { return strings.Compare(a.Key, b.Key) })
}
