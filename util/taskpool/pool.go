package taskpool

import (
	"context"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/util/logger"
)

// Job represents a unit of work to be executed by the task pool
type Job func(ctx context.Context)

const (
	// DefaultQueueSize is the number of pending jobs buffered per key
	DefaultQueueSize = 64
	// DefaultIdleTimeout is how long an idle key worker lingers before exiting
	DefaultIdleTimeout = 30 * time.Second
)

// Options configures a TaskPool
type Options struct {
	QueueSize   int
	IdleTimeout time.Duration
}

// keyQueue manages jobs for a single key
type keyQueue struct {
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskPool manages per-key job serialization
//
// Jobs with the same key run serially, in submission order, on one goroutine;
// jobs with different keys run in parallel. Transports key jobs by connection id
// so that writes to one connection never interleave and a slow connection does
// not hold up the others.
//
// Submit never blocks: when a key's queue is full the job is dropped and Submit
// returns false, mirroring best-effort delivery to a lagging peer. A worker exits
// after IdleTimeout without jobs and is recreated on the next Submit.
//
// Usage Pattern:
//
//	pool := taskpool.New(taskpool.Options{})
//	defer pool.Stop()
//
//	pool.Submit(connID, func(ctx context.Context) {
//	    publish(ctx, frame)
//	})
//	pool.Remove(connID) // connection closed: drop pending jobs
type TaskPool struct {
	queueSize   int
	idleTimeout time.Duration
	logger      *logger.Logger

	mu      sync.Mutex
	queues  map[string]*keyQueue
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// New creates a TaskPool. Zero option fields take their defaults.
func New(opts Options) *TaskPool {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskPool{
		queueSize:   opts.QueueSize,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.NewLogger("TaskPool"),
		queues:      make(map[string]*keyQueue),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit queues job for key. It returns false when the pool is stopped or the
// key's queue is full.
func (tp *TaskPool) Submit(key string, job Job) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.stopped {
		return false
	}

	queue, exists := tp.queues[key]
	if !exists {
		queueCtx, queueCancel := context.WithCancel(tp.ctx)
		queue = &keyQueue{
			jobs:   make(chan Job, tp.queueSize),
			ctx:    queueCtx,
			cancel: queueCancel,
			done:   make(chan struct{}),
		}
		tp.queues[key] = queue
		go tp.worker(key, queue)
	}

	select {
	case queue.jobs <- job:
		return true
	default:
		return false
	}
}

// worker processes jobs for a single key
func (tp *TaskPool) worker(key string, queue *keyQueue) {
	defer close(queue.done)

	idle := time.NewTimer(tp.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-queue.ctx.Done():
			return
		case job := <-queue.jobs:
			tp.run(key, queue.ctx, job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(tp.idleTimeout)
		case <-idle.C:
			// Exit only if nothing was queued meanwhile; Submit enqueues under tp.mu
			tp.mu.Lock()
			if len(queue.jobs) > 0 {
				tp.mu.Unlock()
				idle.Reset(tp.idleTimeout)
				continue
			}
			if tp.queues[key] == queue {
				delete(tp.queues, key)
			}
			tp.mu.Unlock()
			queue.cancel()
			return
		}
	}
}

func (tp *TaskPool) run(key string, ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			tp.logger.Errorf("Job for key %s panicked: %v", key, r)
		}
	}()
	job(ctx)
}

// Remove cancels the worker of key and drops its pending jobs. A job that is
// already running sees its context cancelled.
func (tp *TaskPool) Remove(key string) {
	tp.mu.Lock()
	queue, exists := tp.queues[key]
	if exists {
		delete(tp.queues, key)
	}
	tp.mu.Unlock()

	if exists {
		queue.cancel()
	}
}

// Stop cancels all workers and waits for them to finish
func (tp *TaskPool) Stop() {
	tp.mu.Lock()
	if tp.stopped {
		tp.mu.Unlock()
		return
	}
	tp.stopped = true
	queues := make([]*keyQueue, 0, len(tp.queues))
	for _, queue := range tp.queues {
		queues = append(queues, queue)
	}
	tp.queues = make(map[string]*keyQueue)
	tp.mu.Unlock()

	tp.cancel()
	for _, queue := range queues {
		<-queue.done
	}
}

// Len returns the number of active key queues (for testing)
func (tp *TaskPool) Len() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.queues)
}
