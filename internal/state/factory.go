package state

import (
	"context"

	"github.com/matst80/stratum-proxy/internal/obs"
)

// New creates either an in-memory or Redis-backed store based on configuration.
func New(ctx context.Context, redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisStore(ctx, redisAddr, redisPassword, redisDB)
}
