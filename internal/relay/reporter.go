package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reporter periodically resends activity logs that could not be sent when
// their task was logged.
type Reporter struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReporter creates a pending-report worker.
func NewReporter(service *Service, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the report loop is actively running.
func (r *Reporter) Running() bool {
	return r.running.Load()
}

// Start begins the report loop. Call in a goroutine.
func (r *Reporter) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeFlush(ctx)
		}
	}
}

// Stop signals the reporter to stop.
func (r *Reporter) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reporter) safeFlush(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in relay reporter", "panic", fmt.Sprint(p))
		}
	}()
	n, err := r.service.FlushReports(ctx)
	if err != nil {
		r.logger.Warn("failed to flush activity logs", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pending activity logs sent", "count", n)
	}
}
