package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

const (
	defaultWorkers     = 8
	defaultQueueSize   = 1024
	defaultTaskTimeout = 5 * time.Second
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("dispatcher closed")

// Task is one unit of push work. Tasks sharing a non-empty Key run one at a
// time in submission order; unkeyed tasks are independent.
type Task struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

// Metrics receives dispatcher pressure signals.
type Metrics interface {
	IncDropped(reason string)
	SetQueueDepth(depth int)
	IncPanic()
}

// Params configure a Dispatcher.
type Params struct {
	Logger      *logger.Logger
	Metrics     Metrics
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// Dispatcher runs push tasks on a fixed worker pool behind a bounded queue.
// Submit never blocks; a full queue drops the task.
type Dispatcher struct {
	logg    *logger.Logger
	metrics Metrics
	timeout time.Duration
	queue   chan Task

	// keyed holds the pending tasks of every key with a task in flight.
	keyMu sync.Mutex
	keyed map[string][]Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the worker pool.
func NewDispatcher(params Params) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := params.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := params.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logg:    params.Logger,
		metrics: params.Metrics,
		timeout: timeout,
		queue:   make(chan Task, size),
		keyed:   make(map[string][]Task),
		base:    base,
		cancel:  cancel,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d, nil
}

// Submit enqueues the task and reports whether it was accepted.
func (d *Dispatcher) Submit(task Task) bool {
	if task.Run == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(task, "closed")
		return false
	}
	if task.Key == "" {
		return d.enqueue(task)
	}

	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	if backlog, inFlight := d.keyed[task.Key]; inFlight {
		if len(backlog) >= cap(d.queue) {
			d.drop(task, "queue_full")
			return false
		}
		d.keyed[task.Key] = append(backlog, task)
		return true
	}
	if !d.enqueue(task) {
		return false
	}
	d.keyed[task.Key] = nil
	return true
}

func (d *Dispatcher) enqueue(task Task) bool {
	select {
	case d.queue <- task:
		d.setDepth()
		return true
	default:
		d.drop(task, "queue_full")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones until ctx ends.
// Tasks still queued when ctx ends are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("drain push queue: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.queue {
		d.setDepth()
		d.runChain(task)
	}
}

// runChain runs task and then every task queued behind it under the same key,
// so a key never has two tasks running at once.
func (d *Dispatcher) runChain(task Task) {
	for {
		if d.base.Err() != nil {
			d.drop(task, "abandoned")
		} else {
			d.run(task)
		}
		if task.Key == "" {
			return
		}

		d.keyMu.Lock()
		backlog := d.keyed[task.Key]
		if len(backlog) == 0 {
			delete(d.keyed, task.Key)
			d.keyMu.Unlock()
			return
		}
		task = backlog[0]
		d.keyed[task.Key] = backlog[1:]
		d.keyMu.Unlock()
	}
}

func (d *Dispatcher) run(task Task) {
	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()
	ctx = d.logg.WithField(ctx, "task", task.Name)

	defer func() {
		if r := recover(); r != nil {
			if d.metrics != nil {
				d.metrics.IncPanic()
			}
			d.logg.Error(ctx, "push task panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := task.Run(ctx); err != nil {
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "push task failed")
	}
}

func (d *Dispatcher) drop(task Task, reason string) {
	if d.metrics != nil {
		d.metrics.IncDropped(reason)
	}
	d.logg.Warn(d.logg.WithFields(context.Background(), map[string]any{
		"task":   task.Name,
		"reason": reason,
	}), "push task dropped")
}

func (d *Dispatcher) setDepth() {
	if d.metrics != nil {
		d.metrics.SetQueueDepth(len(d.queue))
	}
}
