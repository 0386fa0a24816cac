package embedding

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"classpilot/internal/config"
	"classpilot/internal/redis"
)

var (
	loadOnce   sync.Once
	loadedEmb  Embedder
	loadedMode string
)

// degradedKey flags the zero-vector fallback in redis so operators can spot
// a degraded deployment without reading logs.
const degradedKey = "embedding:degraded"

// Load initializes the process-wide embedder at most once and returns the
// same instance on every later call. When the remote encoder cannot be
// reached the zero-vector fallback is installed instead; the degraded state
// is logged at warning level, visible through Embedder.Degraded and, when a
// cache is provided, published under embedding:degraded.
func Load(cfg config.EmbeddingConfig, cache *redis.Client) Embedder {
	loadOnce.Do(func() {
		remote, err := NewRemote(cfg)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = remote.Ping(ctx)
		}
		if err != nil {
			log.WithError(err).Warn("embedding model unavailable, falling back to zero-vector embedder; retrieval quality is degraded")
			loadedEmb = NewZero(cfg.Dimension)
			loadedMode = "fallback"
		} else {
			log.WithFields(log.Fields{"model": cfg.Model, "dimension": cfg.Dimension}).Info("embedding model ready")
			loadedEmb = remote
			loadedMode = "remote"
		}
		if cache != nil {
			flag := "0"
			if loadedEmb.Degraded() {
				flag = "1"
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := cache.Set(ctx, degradedKey, flag, 0); err != nil {
				log.WithError(err).Warn("failed to publish embedding state")
			}
		}
	})
	return loadedEmb
}

// LoadedMode reports which embedder Load installed ("remote" or "fallback"),
// empty before the first Load.
func LoadedMode() string { return loadedMode }
