// Package retention removes stale cached transcripts and raw memory events.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner is the storage the sweeper prunes.
type Cleaner interface {
	CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error)
	CleanupMemoryEvents(ctx context.Context, ttl time.Duration) (int64, error)
}

// Result counts the rows removed by one sweep.
type Result struct {
	Transcripts  int64
	MemoryEvents int64
}

// StartWorker runs a background goroutine that sweeps every interval until
// ctx is cancelled. The returned channel closes once the goroutine exits.
func StartWorker(ctx context.Context, repo Cleaner, ttl, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("[RETENTION] Worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("[RETENTION] Worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep removes rows older than ttl. A failure on one table does not stop
// the other from being pruned.
func Sweep(ctx context.Context, repo Cleaner, ttl time.Duration) Result {
	var res Result

	n, err := repo.CleanupTranscripts(ctx, ttl)
	if err != nil {
		slog.Error("[RETENTION] Failed to clean up transcripts", "error", err)
	} else {
		res.Transcripts = n
	}

	n, err = repo.CleanupMemoryEvents(ctx, ttl)
	if err != nil {
		slog.Error("[RETENTION] Failed to clean up memory events", "error", err)
	} else {
		res.MemoryEvents = n
	}

	if res.Transcripts > 0 || res.MemoryEvents > 0 {
		slog.Info("[RETENTION] Sweep completed", "transcripts", res.Transcripts, "memory_events", res.MemoryEvents)
	}
	return res
}
