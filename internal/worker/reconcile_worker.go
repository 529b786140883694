package worker

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler performs one repair sweep.
type Reconciler interface {
	RunOnce(ctx context.Context) (int, error)
}

// ReconcileWorker runs the repair sweep on a timer and whenever a service
// reports a suspected partial write through Trigger.
type ReconcileWorker struct {
	reconciler Reconciler
	logger     *slog.Logger
	interval   time.Duration
	wake       chan struct{}
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(reconciler Reconciler, logger *slog.Logger, interval time.Duration) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
		wake:       make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sweep. Never blocks; a sweep already
// requested absorbs further triggers.
func (w *ReconcileWorker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins the reconcile loop
func (w *ReconcileWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("reconcile worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.wake:
			w.sweep(ctx)
		}
	}
}

func (w *ReconcileWorker) sweep(ctx context.Context) {
	start := time.Now()
	repaired, err := w.reconciler.RunOnce(ctx)
	if err != nil {
		w.logger.Error("reconcile sweep failed",
			slog.Int("repaired", repaired),
			slog.String("error", err.Error()),
		)
		return
	}
	if repaired > 0 {
		w.logger.Info("reconcile sweep finished",
			slog.Int("repaired", repaired),
			slog.Duration("took", time.Since(start)),
		)
	}
}
