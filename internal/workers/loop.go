package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andrsolo/numgate/internal/database"
)

// WorkerFunc performs one batch of background work. It returns the number
// of items processed and any critical error.
type WorkerFunc func(ctx context.Context, batchSize int) (int, error)

// runTimeout bounds a single batch so a stuck query cannot wedge the loop.
const runTimeout = time.Minute

// runWorkerLoop invokes workerFunc on a fixed interval until ctx is done.
func runWorkerLoop(ctx context.Context, name string, interval time.Duration, batchSize int, workerFunc WorkerFunc, logger *slog.Logger) {
	logger.Info("worker starting", "worker", name, "interval", interval, "batch", batchSize)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping", "worker", name)
			return
		case <-ticker.C:
			runWork(ctx, name, batchSize, workerFunc, logger)
		}
	}
}

func runWork(ctx context.Context, name string, batchSize int, workerFunc WorkerFunc, logger *slog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	processed, err := workerFunc(runCtx, batchSize)
	if err != nil {
		// An empty table is not an error worth reporting.
		if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, database.ErrNotFound) {
			logger.ErrorContext(runCtx, "worker run failed", "worker", name, "error", err)
		}
		return
	}
	if processed > 0 {
		logger.InfoContext(runCtx, "worker run complete", "worker", name, "processed", processed)
	}
}
