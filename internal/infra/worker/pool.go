package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Pool is a fixed set of workers, each draining its own queue. Tasks that
// share a key land on the same worker and run in submission order; different
// keys spread over the workers and run in parallel.

type Task func(ctx context.Context) error

var ErrPoolStopped = errors.New("worker pool stopped")

const queueSize = 16

type Pool struct {
	wg     sync.WaitGroup
	queues []chan Task
	quit   chan struct{}
	once   sync.Once
	log    *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := logger.With().Str("component", "worker").Logger()
	queues := make([]chan Task, workers)
	for i := range queues {
		queues[i] = make(chan Task, queueSize)
	}
	return &Pool{queues: queues, quit: make(chan struct{}), log: &l}
}

func (p *Pool) Start(ctx context.Context) {
	for i, q := range p.queues {
		p.wg.Add(1)
		go func(id int, q <-chan Task) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-q:
					if err := p.run(ctx, task); err != nil {
						p.log.Error().Err(err).Int("worker", id).Msg("task failed")
					}
				}
			}
		}(i, q)
	}
}

// run executes task, turning a panic into an error so one bad update
// cannot take the worker down.
func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			p.log.Error().Bytes("stack", debug.Stack()).Msg("recovered from panic")
		}
	}()
	return task(ctx)
}

// Stop signals the workers and waits for in-flight tasks. Queued tasks are dropped.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// SubmitWait queues task on the worker owning key, waiting for room until
// ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, key int64, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	if p.stopped() {
		return ErrPoolStopped
	}
	select {
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	case p.queues[p.shard(key)] <- task:
		return nil
	}
}

func (p *Pool) shard(key int64) int {
	return int(uint64(key) % uint64(len(p.queues)))
}

func (p *Pool) stopped() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}
