package memstore

import (
	"context"
	"sort"

	"github.com/inaiurai/genbot/internal/models"
)

type Config struct {
	db    *DB
	Loads int
}

func (db *DB) Config() *Config { return &Config{db: db} }

func (c *Config) List(ctx context.Context) ([]models.ConfigEntry, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.Loads++
	if err := c.db.fault("config.list"); err != nil {
		return nil, err
	}
	list := make([]models.ConfigEntry, 0, len(c.db.config))
	for _, e := range c.db.config {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list, nil
}

func (c *Config) Set(ctx context.Context, key, value string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.config[key] = models.ConfigEntry{Key: key, Value: value, UpdatedAt: c.db.now()}
	return nil
}
