package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/client"

	"opskb/telemetry"
)

// QueueStats reports the approximate activity backlog of a task queue.
type QueueStats interface {
	Backlog(ctx context.Context) (int64, error)
}

// TemporalQueueStats reads the backlog from Temporal's enhanced task queue
// description.
type TemporalQueueStats struct {
	Client client.Client
	Queue  string
}

// Backlog sums the approximate backlog across all worker versions on the
// activity queue.
func (s *TemporalQueueStats) Backlog(ctx context.Context) (int64, error) {
	desc, err := s.Client.DescribeTaskQueueEnhanced(ctx, client.DescribeTaskQueueEnhancedOptions{
		TaskQueue:      s.Queue,
		TaskQueueTypes: []client.TaskQueueType{client.TaskQueueTypeActivity},
		ReportStats:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("describe task queue %s: %w", s.Queue, err)
	}
	var backlog int64
	for _, version := range desc.VersionsInfo {
		for _, info := range version.TypesInfo {
			if info.Stats != nil {
				backlog += info.Stats.ApproximateBacklogCount
			}
		}
	}
	return backlog, nil
}

// WorkerHandle is one scalable worker slot.
type WorkerHandle interface {
	Start() error
	Stop()
}

// WorkerFactory creates a new worker slot.
type WorkerFactory func() (WorkerHandle, error)

// AutoscalerOptions tunes the scaling loop.
type AutoscalerOptions struct {
	// MinWorkers is the floor; the autoscaler keeps at least this many
	// running. Defaults to 1.
	MinWorkers int
	// MaxWorkers is the ceiling. Defaults to 4.
	MaxWorkers int
	// BacklogPerWorker is the backlog each worker is expected to absorb;
	// the desired count is backlog divided by this, rounded up. Defaults
	// to 10.
	BacklogPerWorker int64
	// Cooldown is the minimum time between scaling decisions. Defaults to
	// 30s.
	Cooldown time.Duration
	// PollInterval is how often the backlog is sampled. Defaults to 10s.
	PollInterval time.Duration
}

func (o *AutoscalerOptions) defaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 1
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers * 4
	}
	if o.BacklogPerWorker <= 0 {
		o.BacklogPerWorker = 10
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
}

// Autoscaler scales activity worker slots with the queue backlog. Scaling
// decisions are at least Cooldown apart so a bursty queue does not thrash
// the pool.
type Autoscaler struct {
	stats     QueueStats
	newWorker WorkerFactory
	opts      AutoscalerOptions
	lg        telemetry.Logger
	now       func() time.Time

	mu        sync.Mutex
	workers   []WorkerHandle
	lastScale time.Time
}

// NewAutoscaler returns an Autoscaler. Run starts the loop.
func NewAutoscaler(stats QueueStats, factory WorkerFactory, opts AutoscalerOptions, lg telemetry.Logger) (*Autoscaler, error) {
	if stats == nil {
		return nil, fmt.Errorf("autoscaler: queue stats are required")
	}
	if factory == nil {
		return nil, fmt.Errorf("autoscaler: worker factory is required")
	}
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	opts.defaults()
	return &Autoscaler{
		stats:     stats,
		newWorker: factory,
		opts:      opts,
		lg:        lg,
		now:       time.Now,
	}, nil
}

// Run polls the backlog until the context ends, scaling the pool toward the
// desired size. The pool is drained on exit.
func (a *Autoscaler) Run(ctx context.Context) error {
	if err := a.scaleTo(ctx, a.opts.MinWorkers); err != nil {
		return err
	}
	defer a.drain()

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				a.lg.Warn(ctx, "autoscaler tick failed", "err", err)
			}
		}
	}
}

// Tick samples the backlog once and applies a scaling decision if the
// cooldown has elapsed. Exposed for tests.
func (a *Autoscaler) Tick(ctx context.Context) error {
	backlog, err := a.stats.Backlog(ctx)
	if err != nil {
		return err
	}
	desired := a.desired(backlog)

	a.mu.Lock()
	current := len(a.workers)
	inCooldown := a.now().Sub(a.lastScale) < a.opts.Cooldown
	a.mu.Unlock()

	if desired == current || inCooldown {
		return nil
	}
	a.lg.Info(ctx, "scaling workers", "backlog", backlog, "current", current, "desired", desired)
	return a.scaleTo(ctx, desired)
}

// Size returns the current pool size.
func (a *Autoscaler) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.workers)
}

func (a *Autoscaler) desired(backlog int64) int {
	per := a.opts.BacklogPerWorker
	n := int((backlog + per - 1) / per)
	if n < a.opts.MinWorkers {
		n = a.opts.MinWorkers
	}
	if n > a.opts.MaxWorkers {
		n = a.opts.MaxWorkers
	}
	return n
}

func (a *Autoscaler) scaleTo(ctx context.Context, desired int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.workers) < desired {
		w, err := a.newWorker()
		if err != nil {
			return fmt.Errorf("autoscaler: create worker: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("autoscaler: start worker: %w", err)
		}
		a.workers = append(a.workers, w)
	}
	for len(a.workers) > desired {
		last := a.workers[len(a.workers)-1]
		a.workers = a.workers[:len(a.workers)-1]
		last.Stop()
	}
	a.lastScale = a.now()
	return nil
}

func (a *Autoscaler) drain() {
	a.mu.Lock()
	workers := a.workers
	a.workers = nil
	a.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}
