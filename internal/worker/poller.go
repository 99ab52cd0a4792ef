package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fundcore/webhooks/internal/engine"
)

// Poller continuously pulls due jobs from the delivery queue and hands
// them to the worker pool.
type Poller struct {
	queue        *engine.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

// NewPoller creates a poller over the Redis-backed delivery queue.
func NewPoller(queue *engine.Queue, pool *Pool, logger *slog.Logger) *Poller {
	return &Poller{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is
// cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("queue poller started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopping")
			return
		case <-ticker.C:
			jobs, err := p.queue.PopDue(ctx, p.batchSize)
			if err != nil {
				p.logger.Error("failed to poll delivery queue", "error", err)
			}
			// Claimed jobs are already removed from Redis; dispatch
			// them even when the batch also produced an error.
			for _, job := range jobs {
				p.pool.Submit(job)
			}
		}
	}
}
