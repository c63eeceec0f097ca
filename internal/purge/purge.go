package purge

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

// Start starts the revocation purge scheduler if enabled. The purge removes
// token revocation entries whose underlying tokens have already expired.
// Returns a cancel func.
func Start(ctx context.Context, cfg config.Config, st *store.Store) (context.CancelFunc, error) {
	if !cfg.Purge.Enabled {
		logger.Info("purge_disabled")
		return func() {}, nil
	}

	// map empty cron to default daily @03:00
	cronExpr := cfg.Purge.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("purge_invalid_cron", "cron", cfg.Purge.Cron)
		return nil, fmt.Errorf("invalid purge cron expression: %s", cfg.Purge.Cron)
	}

	logger.Info("purge_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, cronExpr)
	return cancel, nil
}

// RunOnce performs a single purge sweep. Exposed for tests and admin use.
func RunOnce(st *store.Store) (int, error) {
	return st.PurgeExpiredRevocations(time.Now().UTC().UnixNano())
}

// runScheduler computes the next tick for the configured cron expression
// with gronx and sleeps until that time.
func runScheduler(ctx context.Context, st *store.Store, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("purge_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("purge_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			runAndLog(st)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			runAndLog(st)
		case <-ctx.Done():
			logger.Info("purge_scheduler_stopping")
			return
		}
	}
}

func runAndLog(st *store.Store) {
	n, err := RunOnce(st)
	if err != nil {
		logger.Error("purge_run_error", "error", err)
		return
	}
	logger.Info("purge_run_complete", "removed", n)
}
