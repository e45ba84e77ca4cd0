package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Purger is implemented by stores that expire entries lazily and can drop
// expired entries in bulk. Redis expires keys itself and does not need it.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Sweep purges expired entries from p every interval until ctx is done
func Sweep(ctx context.Context, p Purger, interval time.Duration) {
	logger := log.With().Str("component", "cache_sweeper").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to purge expired entries")
				continue
			}
			if n > 0 {
				logger.Debug().Int("removed", n).Msg("Purged expired entries")
			}
		}
	}
}
