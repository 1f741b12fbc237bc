package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var errLanesClosed = errors.New("dispatch lanes closed")

type laneJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// lanes is a fixed pool of sequential workers. Work for one key always runs
// on the same worker, in submission order; different keys run in parallel.
type lanes struct {
	queues []chan laneJob
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newLanes(n, depth int) *lanes {
	if n < 1 {
		n = 1
	}
	l := &lanes{queues: make([]chan laneJob, n), quit: make(chan struct{})}
	for i := range l.queues {
		q := make(chan laneJob, depth)
		l.queues[i] = q
		l.wg.Add(1)
		go l.work(q)
	}
	return l
}

func (l *lanes) work(q chan laneJob) {
	defer l.wg.Done()
	for {
		select {
		case <-l.quit:
			return
		case job := <-q:
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				continue
			}
			job.done <- job.fn(job.ctx)
		}
	}
}

func (l *lanes) index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(l.queues)))
}

// do runs fn on key's lane and waits for it.
func (l *lanes) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	job := laneJob{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-l.quit:
		return errLanesClosed
	default:
	}
	select {
	case l.queues[l.index(key)] <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return errLanesClosed
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		// The job is skipped or finishes on its lane; its result is dropped.
		return ctx.Err()
	case <-l.quit:
		return errLanesClosed
	}
}

// post queues fn on key's lane without waiting. It reports false when the
// lane is full or closed.
func (l *lanes) post(key string, fn func(ctx context.Context) error) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	job := laneJob{ctx: context.Background(), fn: fn, done: make(chan error, 1)}
	select {
	case l.queues[l.index(key)] <- job:
		return true
	default:
		return false
	}
}

// close stops the workers and waits for the job in progress on each lane.
// Jobs still queued are abandoned.
func (l *lanes) close() {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
}
