package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const persistTimeout = 10 * time.Second

type persistJob struct {
	name string
	fn   func(ctx context.Context) error
}

// Persister runs durable writes on a bounded queue off the request path.
// A full queue drops the write; failures are logged and counted.
type Persister struct {
	queue   chan persistJob
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPersister(depth, workers int, logger *slog.Logger, metrics *Metrics) *Persister {
	p := &Persister{
		queue:   make(chan persistJob, depth),
		logger:  logger,
		metrics: metrics,
	}
	for range max(workers, 1) {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Persister) Enqueue(name string, fn func(ctx context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- persistJob{name: name, fn: fn}:
		return true
	default:
		p.metrics.persistDropped.WithLabelValues(name).Inc()
		return false
	}
}

func (p *Persister) run() {
	defer p.wg.Done()
	for job := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := job.fn(ctx)
		cancel()
		if err != nil {
			p.metrics.persistFailures.WithLabelValues(job.name).Inc()
			p.logger.Error("persist failed", "job", job.name, "error", err)
		}
	}
}

// Close stops accepting writes and waits until queued ones finish.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
