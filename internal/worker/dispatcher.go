package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrJobPanicked      = errors.New("worker job panicked")
)

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

// Dispatcher runs submitted functions on a bounded set of workers. Jobs are
// handed out in submission order, so with a single worker they execute
// strictly one after another.
type Dispatcher struct {
	pool  *jobChannelPool
	queue chan Job

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		pool:  newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout),
		queue: make(chan Job, cfg.QueueSize),
		done:  make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for job := range d.queue {
		workerChan := d.pool.acquire()
		debugLog("[dispatcher] assign job to worker-%d", d.pool.workerID(workerChan))
		workerChan <- job
	}
	d.pool.shutdown()
}

// Do queues fn and waits for its result. If ctx ends while the job is still
// queued the job is dropped and ctx.Err() returned; once a worker has started
// it, Do waits for it to finish.
func (d *Dispatcher) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := newTask(ctx, fn)

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- Job{Type: Run, task: t}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		if t.cancel() {
			debugLog("[dispatcher] dropped queued job: %v", ctx.Err())
			return ctx.Err()
		}
		return <-t.done
	}
}

// Pending reports how many jobs wait for a worker.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Workers reports the live and idle worker counts.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

// Close stops accepting jobs, lets queued ones finish and stops the workers.
// It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
