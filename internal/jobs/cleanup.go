package jobs

import (
	"context"
	"log"
	"time"

	"github.com/Engin1980/eng-task-grading-sub001/internal/config"
)

type cleanupStore interface {
	DeleteExpiredLoginTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// StartCleanupJob periodically deletes expired login tokens and sessions.
// Expiry is still enforced at use time; the sweep only keeps the tables
// small, so disabling it changes no observable behavior.
func StartCleanupJob(ctx context.Context, cfg config.Config, store cleanupStore) {
	if !cfg.CleanupEnabled {
		return
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	timeout := cfg.CleanupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				tokens, err := store.DeleteExpiredLoginTokens(tickCtx, now)
				if err != nil {
					log.Printf("cleanup job login tokens error: %v", err)
				}
				sessions, err := store.DeleteExpiredSessions(tickCtx, now)
				if err != nil {
					log.Printf("cleanup job sessions error: %v", err)
				}
				cancel()
				if tokens > 0 || sessions > 0 {
					log.Printf("cleanup job removed %d login tokens, %d sessions", tokens, sessions)
				}
			}
		}
	}()
}
