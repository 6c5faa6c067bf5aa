package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/fetch"
	"github.com/JakeFAU/fetchpool/internal/metrics"
	"github.com/JakeFAU/fetchpool/internal/progress"
)

const defaultBackoff = time.Second

// Config controls pool sizing and the retry policy.
type Config struct {
	Workers    int
	MaxRetries int
	// Backoff is the fixed wait after each failed attempt. Zero means 1s;
	// use a negative value to disable waiting.
	Backoff time.Duration
}

// FetcherFactory builds the fetch session owned by worker id.
type FetcherFactory func(id int) (fetch.Fetcher, error)

// Option configures a Pool.
type Option func(*Pool)

// WithProxies routes every attempt through proxies.
func WithProxies(proxies ProxySource) Option {
	return func(p *Pool) {
		p.proxies = proxies
	}
}

// WithFailedLog records exhausted tasks to rec.
func WithFailedLog(rec FailureRecorder) Option {
	return func(p *Pool) {
		p.failed = rec
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records pool metrics to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(p *Pool) {
		p.metrics = c
	}
}

// WithEmitter publishes progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Pool) {
		p.emitter = e
	}
}

type queueItem struct {
	task    Task
	tracker *progress.Tracker
	stop    bool
}

// Pool owns N workers draining a shared TaskQueue.
type Pool struct {
	cfg        Config
	newFetcher FetcherFactory
	proxies    ProxySource
	failed     FailureRecorder
	metrics    *metrics.Collectors
	emitter    progress.Emitter
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	queue   *TaskQueue[queueItem]
	tracker atomic.Pointer[progress.Tracker]
	busy    atomic.Int64

	// mu orders submissions against Stop so no real task lands behind the
	// sentinels.
	mu      sync.RWMutex
	started bool
	stopped bool

	wg          sync.WaitGroup
	workersDone chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

// New validates cfg and builds an idle pool. Workers start with Start.
func New(cfg Config, newFetcher FetcherFactory, opts ...Option) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, errors.New("pool workers must be > 0")
	}
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("pool max retries must be > 0")
	}
	if newFetcher == nil {
		return nil, errors.New("pool fetcher factory is required")
	}
	switch {
	case cfg.Backoff == 0:
		cfg.Backoff = defaultBackoff
	case cfg.Backoff < 0:
		cfg.Backoff = 0
	}
	p := &Pool{
		cfg:         cfg,
		newFetcher:  newFetcher,
		logger:      zap.NewNop(),
		sleep:       sleepCtx,
		queue:       NewTaskQueue[queueItem](),
		workersDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tracker.Store(progress.NewTracker("", p.emitter))
	return p, nil
}

// Start builds one fetcher per worker and launches the workers. Cancelling
// ctx makes workers abandon the queue after their current task.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return errors.New("pool already started")
	}

	loops := make([]*FetchLoop, 0, p.cfg.Workers)
	for id := 0; id < p.cfg.Workers; id++ {
		f, err := p.newFetcher(id)
		if err != nil {
			return fmt.Errorf("build fetcher for worker %d: %w", id, err)
		}
		loops = append(loops, &FetchLoop{
			fetcher:    f,
			proxies:    p.proxies,
			failed:     p.failed,
			metrics:    p.metrics,
			logger:     p.logger.With(zap.Int("worker", id)),
			maxRetries: p.cfg.MaxRetries,
			backoff:    p.cfg.Backoff,
			sleep:      p.sleep,
		})
	}

	p.started = true
	p.wg.Add(len(loops))
	for id, loop := range loops {
		go p.runWorker(ctx, id, loop)
	}
	go func() {
		p.wg.Wait()
		close(p.workersDone)
	}()
	p.logger.Info("pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Duration("backoff", p.cfg.Backoff),
		zap.Bool("proxied", p.proxies != nil),
	)
	return nil
}

func (p *Pool) runWorker(ctx context.Context, id int, loop *FetchLoop) {
	defer p.wg.Done()
	for {
		item, err := p.queue.Take(ctx)
		if err != nil {
			p.logger.Debug("worker exiting", zap.Int("worker", id), zap.Error(err))
			return
		}
		p.metrics.SetQueuePending(p.queue.Len())
		if item.stop {
			p.queue.Done()
			return
		}
		p.busy.Add(1)
		p.metrics.IncActiveWorkers()
		loop.Run(ctx, item.task, item.tracker)
		p.metrics.DecActiveWorkers()
		p.busy.Add(-1)
		p.queue.Done()
	}
}

// Submit enqueues a task for target. handler may be nil.
func (p *Pool) Submit(target string, handler Handler) error {
	return p.SubmitMany([]Task{{Target: target, Handler: handler}})
}

// SubmitTask enqueues t.
func (p *Pool) SubmitTask(t Task) error {
	return p.SubmitMany([]Task{t})
}

// SubmitMany enqueues tasks in order. They are counted in the current
// progress phase before any worker can see them.
func (p *Pool) SubmitMany(tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	tracker := p.tracker.Load()
	items := make([]queueItem, len(tasks))
	for i, t := range tasks {
		items[i] = queueItem{task: t, tracker: tracker}
	}
	tracker.Add(len(items))
	p.queue.PutMany(items)
	p.metrics.SetQueuePending(p.queue.Len())
	return nil
}

// WaitDrain blocks until every submitted task has reached its outcome, or
// was abandoned by Stop after a cancelled start context.
func (p *Pool) WaitDrain(ctx context.Context) error {
	return p.queue.WaitDrain(ctx)
}

// Stop rejects further submissions, lets the workers finish everything
// already queued, and joins them. Only the first call does work; later calls
// return its result. A pool that never started stops immediately.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Pool) stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	started := p.started
	if started {
		sentinels := make([]queueItem, p.cfg.Workers)
		for i := range sentinels {
			sentinels[i].stop = true
		}
		p.queue.PutMany(sentinels)
	}
	p.mu.Unlock()
	if !started {
		p.discardLeftovers()
		return nil
	}

	// Workers that already quit on a cancelled start context never consume
	// their sentinels, so joining them is enough.
	select {
	case <-p.workersDone:
	case <-ctx.Done():
		return fmt.Errorf("pool stop: %w", ctx.Err())
	}
	p.discardLeftovers()
	p.logger.Info("pool stopped")
	return nil
}

// discardLeftovers releases queued items no worker will take, so WaitDrain
// returns once the workers are gone.
func (p *Pool) discardLeftovers() {
	var abandoned int
	for _, item := range p.queue.Discard() {
		if !item.stop {
			abandoned++
		}
	}
	p.metrics.SetQueuePending(0)
	if abandoned > 0 {
		p.logger.Warn("pool stopped with unprocessed tasks", zap.Int("abandoned", abandoned))
	}
}

// ResetProgress starts a fresh progress phase. Tasks already queued keep
// counting against the phase they were submitted in.
func (p *Pool) ResetProgress(phase string) progress.Snapshot {
	t := progress.NewTracker(phase, p.emitter)
	p.tracker.Store(t)
	return t.Snapshot()
}

// Progress snapshots the current phase.
func (p *Pool) Progress() progress.Snapshot {
	return p.tracker.Load().Snapshot()
}

// Pending reports tasks waiting for a worker.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// Busy reports workers currently processing a task.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Running reports whether the pool has started and not been stopped.
func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started && !p.stopped
}
