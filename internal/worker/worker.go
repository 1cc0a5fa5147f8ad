package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/notify"
)

// Sweeper runs one dispatch pass over the notification queue.
type Sweeper interface {
	SendPending(ctx context.Context, limit int, ids ...uuid.UUID) (*notify.SweepResult, error)
}

// Worker drives the periodic sweep. It shares the claim protocol with the
// immediate-dispatch path, so the two may overlap safely.
type Worker struct {
	sweeper Sweeper
	config  Config
	logger  *zap.Logger
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func New(sweeper Sweeper, cfg Config, logger *zap.Logger) *Worker {

	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}

	return &Worker{
		sweeper: sweeper,
		config:  cfg,
		logger:  logger,
	}
}

// Start blocks until ctx is done. Rows left pending by a previous run are
// picked up by the first sweep right away.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	defer func() {
		// a bad row must not take the scheduler down with it
		if r := recover(); r != nil {
			w.logger.Error("sweep panicked", zap.Any("panic", r))
		}
	}()

	result, err := w.sweeper.SendPending(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("notification sweep failed", zap.Error(err))
		return
	}
	if result.Claimed == 0 && result.Recovered == 0 {
		return
	}
	w.logger.Debug("sweep completed",
		zap.Int("claimed", result.Claimed),
		zap.Int64("recovered", result.Recovered),
	)
}
