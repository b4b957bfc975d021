package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Cleaner periodically deletes segments older than the retention window.
// It runs against the store alone; the remuxer's in-memory segment list is
// self-pruning and serves playlist generation, not retention.
type Cleaner struct {
	store     Storage
	retention time.Duration
	interval  time.Duration
	cancel    context.CancelFunc
}

// NewCleaner creates a cleanup scheduler with the given retention window
// and scan interval.
func NewCleaner(store Storage, retention, interval time.Duration) *Cleaner {
	if retention <= 0 {
		retention = 60 * time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Cleaner{store: store, retention: retention, interval: interval}
}

// Start launches the scan loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scanCtx, scanCancel := context.WithTimeout(ctx, c.interval)
				deleted, err := c.store.Cleanup(scanCtx, c.retention)
				scanCancel()
				if err != nil {
					log.Warn().Err(err).Msg("segment cleanup scan failed")
				} else if deleted > 0 {
					log.Debug().Int("deleted", deleted).Msg("cleaned up expired segments")
				}
			}
		}
	}()
}

// Stop halts the scan loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}
