package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fundcore/webhooks/internal/engine"
)

// Pool manages a fixed number of worker goroutines that process
// delivery jobs. The pool size caps the number of in-flight HTTP calls.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a job to the worker pool via the jobs channel.
func (p *Pool) Submit(job engine.DeliveryJob) {
	p.jobs <- job
}

// Stop closes the jobs channel and waits for all workers to finish.
// Every job submitted before Stop is processed; the producer must have
// stopped submitting first.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	// Drain the channel to completion so accepted jobs are never
	// dropped on shutdown. Cancellation cuts in-flight HTTP calls
	// short via ctx, not by abandoning queued jobs.
	for job := range p.jobs {
		p.deliverer.Deliver(ctx, job)
	}
}
