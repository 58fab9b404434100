package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/observability"
	"github.com/spec-kit/helpdesk-service/internal/service"
)

// Sweeper runs one SLA breach detection cycle.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// SLASweeper runs the sweep at start-up and then on a fixed interval.
type SLASweeper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSLASweeper creates the background loop.
func NewSLASweeper(sweeper Sweeper, interval time.Duration, logger *zap.Logger, metrics *observability.Metrics) *SLASweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SLASweeper{
		sweeper:   sweeper,
		interval:  interval,
		logger:    logger.Named("sla_sweeper"),
		metrics:   metrics,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (w *SLASweeper) Run(ctx context.Context) {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sla sweeper started", zap.Duration("interval", w.interval))
	w.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sla sweeper stopping", zap.Error(ctx.Err()))
			return
		case <-w.stopCh:
			w.logger.Info("sla sweeper stopping")
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (w *SLASweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.stoppedCh
}

func (w *SLASweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	result, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.metrics.RecordSweep(0, 1)
		w.logger.Error("sla sweep cycle failed", zap.Error(err))
		return
	}
	w.metrics.RecordSweep(result.Breached, result.Failed)
	w.logger.Debug("sla sweep cycle finished",
		zap.Int("candidates", result.Candidates),
		zap.Int("breached", result.Breached),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", time.Since(start)))
}
