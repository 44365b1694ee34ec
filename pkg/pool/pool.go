// Package pool provides the bounded task executor that runs batch deletions.
//
// A Pool keeps up to CoreWorkers goroutines alive for its whole lifetime and
// grows to MaxWorkers when the queue is full. Extra workers exit after sitting
// idle for IdleTimeout. When both the queue and the worker limit are
// exhausted, Submit fails with ErrRejected instead of blocking.
//
// The pool has an explicit lifecycle owned by whoever creates it:
//
//	p := pool.New(pool.DefaultConfig())
//	p.Start()
//	defer p.Stop(context.Background())
//
//	future, err := p.Submit(ctx, func(ctx context.Context) error {
//		return doWork(ctx)
//	})
//	if err != nil {
//		return err // rejected or stopped
//	}
//	return future.Wait(ctx)
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrRejected      = errors.New("pool: task rejected, queue full")
	ErrPoolStopped   = errors.New("pool: stopped")
	ErrNotStarted    = errors.New("pool: not started")
	ErrTaskPanicked  = errors.New("pool: task panicked")
	ErrStopTimedOut  = errors.New("pool: shutdown timed out")
	ErrInvalidConfig = errors.New("pool: invalid config")
)

var (
	workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dqgraph",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Number of live pool workers.",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dqgraph",
		Subsystem: "pool",
		Name:      "tasks_total",
		Help:      "Tasks handled by the pool, by result.",
	}, []string{"result"})
)

// Task is a unit of work. The context is cancelled when the submitter stops
// waiting or the pool is forced down.
type Task func(ctx context.Context) error

// Config holds pool sizing and timing.
type Config struct {
	MaxWorkers      int           // Upper bound on live workers (default: 2 * GOMAXPROCS)
	CoreWorkers     int           // Workers that never expire (default: MaxWorkers / 2)
	QueueSize       int           // Pending task capacity (default: MaxWorkers * 5)
	IdleTimeout     time.Duration // Idle time before a non-core worker exits (default: 30s)
	ShutdownTimeout time.Duration // Stop waits this long when ctx has no deadline (default: 10s)

	// Clock drives idle expiry. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns sizing derived from the number of CPUs.
func DefaultConfig() *Config {
	threads := 2 * runtime.GOMAXPROCS(0)
	return &Config{
		MaxWorkers:      threads,
		CoreWorkers:     threads / 2,
		QueueSize:       threads * 5,
		IdleTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Clock:           clock.WallClock,
	}
}

// Validate checks the relationships between fields.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: MaxWorkers must be at least 1, got %d", ErrInvalidConfig, c.MaxWorkers)
	}
	if c.CoreWorkers < 0 || c.CoreWorkers > c.MaxWorkers {
		return fmt.Errorf("%w: CoreWorkers must be between 0 and %d, got %d", ErrInvalidConfig, c.MaxWorkers, c.CoreWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: QueueSize must be at least 1, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: IdleTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Pool is a bounded executor with explicit Start and Stop.
type Pool struct {
	config *Config
	clock  clock.Clock
	queue  chan *job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers int
	started bool
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a pool. Zero fields in config take their defaults; a nil
// config uses DefaultConfig.
func New(config *Config) *Pool {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = cfg.MaxWorkers * 5
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: &cfg,
		clock:  cfg.Clock,
		queue:  make(chan *job, max(cfg.QueueSize, 1)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return *p.config
}

// Start marks the pool as accepting work and spawns the core workers.
// Calling Start twice is a no-op.
func (p *Pool) Start() error {
	if err := p.config.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	for i := 0; i < p.config.CoreWorkers; i++ {
		p.spawnLocked(nil, true)
	}
	log.Printf("[pool] started: core=%d max=%d queue=%d", p.config.CoreWorkers, p.config.MaxWorkers, p.config.QueueSize)
	return nil
}

// Submit queues task for execution. It never blocks: when the queue is full
// and no more workers may be started the task is rejected with ErrRejected.
//
// The returned Future completes when the task returns. Cancelling ctx cancels
// the task's context.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidConfig)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrPoolStopped
	}
	if !p.started {
		return nil, ErrNotStarted
	}

	j := newJob(ctx, p.ctx, task)
	p.submitted.Add(1)

	if p.workers < p.config.CoreWorkers {
		p.spawnLocked(j, true)
		return j.future, nil
	}

	select {
	case p.queue <- j:
		if p.workers == 0 {
			p.spawnLocked(nil, false)
		}
		return j.future, nil
	default:
	}

	if p.workers < p.config.MaxWorkers {
		p.spawnLocked(j, false)
		return j.future, nil
	}

	p.rejected.Add(1)
	tasksTotal.WithLabelValues("rejected").Inc()
	j.release()
	return nil, ErrRejected
}

// Stop stops accepting tasks, lets queued tasks drain, and waits for the
// workers to exit. If ctx has no deadline, ShutdownTimeout applies. When the
// wait times out, running tasks are cancelled, tasks still queued complete
// with ErrPoolStopped, and ErrStopTimedOut is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[pool] shutdown timed out, cancelling running tasks")
		err = ErrStopTimedOut
	}

	p.cancel()
	<-done

	for j := range p.queue {
		j.finish(ErrPoolStopped)
		p.failed.Add(1)
	}
	log.Printf("[pool] stopped: completed=%d failed=%d rejected=%d",
		p.completed.Load(), p.failed.Load(), p.rejected.Load())
	return err
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running:   p.started && !p.stopped,
		Workers:   p.workers,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

func (p *Pool) spawnLocked(first *job, core bool) {
	p.workers++
	workersGauge.Inc()
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *Pool) exitLocked() {
	p.workers--
	workersGauge.Dec()
}

// worker runs first (if any) and then pulls from the queue until the queue
// is closed, the pool is cancelled, or a non-core worker idles out.
func (p *Pool) worker(first *job, core bool) {
	defer p.wg.Done()

	if first != nil {
		p.run(first)
	}

	for {
		if core {
			select {
			case j, ok := <-p.queue:
				if !ok {
					p.exit()
					return
				}
				p.run(j)
			case <-p.ctx.Done():
				p.exit()
				return
			}
			continue
		}

		timer := p.clock.NewTimer(p.config.IdleTimeout)
		select {
		case j, ok := <-p.queue:
			timer.Stop()
			if !ok {
				p.exit()
				return
			}
			p.run(j)
		case <-timer.Chan():
			p.mu.Lock()
			if len(p.queue) > 0 {
				// work arrived while the timer fired
				p.mu.Unlock()
				continue
			}
			p.exitLocked()
			p.mu.Unlock()
			return
		case <-p.ctx.Done():
			timer.Stop()
			p.exit()
			return
		}
	}
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.exitLocked()
	p.mu.Unlock()
}

func (p *Pool) run(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.finish(err)
		p.failed.Add(1)
		tasksTotal.WithLabelValues("cancelled").Inc()
		return
	}

	err := safeRun(j.ctx, j.task)
	j.finish(err)
	if err != nil {
		p.failed.Add(1)
		tasksTotal.WithLabelValues("failed").Inc()
		return
	}
	p.completed.Add(1)
	tasksTotal.WithLabelValues("completed").Inc()
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] task panic: %v", r)
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}
