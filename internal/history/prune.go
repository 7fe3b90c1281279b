package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SchedulePrune deletes entries older than retentionDays once, delay after
// the call. The returned channel is closed when the prune has run or been
// cancelled. A non-positive retentionDays disables pruning.
func SchedulePrune(ctx context.Context, store Store, retentionDays int, delay time.Duration, log zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if retentionDays <= 0 {
		close(done)
		return done
	}

	log = log.With().Str("component", "history").Logger()
	go func() {
		defer close(done)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		removed, err := store.DeleteOlderThan(ctx, retentionDays)
		if err != nil {
			log.Error().Err(err).Int("retention_days", retentionDays).Msg("history prune failed")
			return
		}
		log.Info().Int64("removed", removed).Int("retention_days", retentionDays).Msg("history pruned")
	}()
	return done
}
