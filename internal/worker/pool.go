// Package worker runs background tasks on a fixed set of goroutines fed by
// a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrClosed    = errors.New("worker pool closed")
)

// Task is one unit of background work.
type Task struct {
	ID   uuid.UUID
	Kind string
	Run  func(ctx context.Context) error
}

type Pool struct {
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch     chan Task
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan Task, n)
		}
	}
}

// WithTaskTimeout bounds every task run.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(logger *slog.Logger, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger,
		workers: 2,
		timeout: 15 * time.Minute,
		ch:      make(chan Task, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("worker started", "worker_id", workerID)

				for task := range p.ch {
					p.run(workerID, task)
				}

				p.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) run(workerID int, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return task.Run(ctx)
	}()

	logger := p.logger.With("worker_id", workerID, "task_id", task.ID, "kind", task.Kind, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		logger.Error("task failed", "error", err)
		return
	}
	logger.Info("task finished")
}

// Enqueue hands task to the pool without blocking. It returns ErrQueueFull
// when every slot is taken and ErrClosed after Shutdown.
func (p *Pool) Enqueue(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- task:
		p.logger.Debug("task queued", "task_id", task.ID, "kind", task.Kind)
		return nil
	default:
		p.logger.Warn("queue full, rejecting task", "task_id", task.ID, "kind", task.Kind)
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx expires first, running tasks are cancelled and ctx's error returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("shutdown interrupted, cancelling running tasks")
		<-done
		return ctx.Err()
	case <-done:
		p.cancel()
		p.logger.Info("queue drained, shutdown complete")
		return nil
	}
}
