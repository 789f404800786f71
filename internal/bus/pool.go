// ABOUTME: bounded worker pool keyed by session id
// ABOUTME: one key always lands on one worker, so per-session work is serial

package bus

import (
	"context"
	"hash/fnv"
	"sync"
)

// Pool defaults.
const (
	DefaultWorkers    = 8
	DefaultQueueDepth = 32
)

// Pool runs submitted work on a fixed set of workers. The worker is
// chosen by hashing the key, which serializes all work for one key
// while letting different keys proceed in parallel. Queues are bounded;
// a full queue blocks Submit, which is the backpressure that pauses the
// consumer's fetch loop.
type Pool struct {
	queues []chan func()
}

// NewPool sizes the pool. Non-positive arguments fall back to defaults.
func NewPool(workers, depth int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	queues := make([]chan func(), workers)
	for i := range queues {
		queues[i] = make(chan func(), depth)
	}
	return &Pool{queues: queues}
}

// Run blocks until ctx is canceled, then returns once every worker has
// stopped. Work still queued when ctx ends is abandoned; for bus
// deliveries that is safe because their offsets were never committed
// and redelivery replays them.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range p.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn := <-q:
					fn()
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Submit enqueues fn on the worker owning key, blocking while that
// worker's queue is full. It returns ctx's error if the wait outlives
// the context.
func (p *Pool) Submit(ctx context.Context, key string, fn func()) error {
	q := p.queues[p.index(key)]
	select {
	case q <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}
