package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull is returned when every worker is busy and the admission
	// queue is at capacity. Callers may retry later.
	ErrQueueFull = errors.New("execution queue full")
	// ErrStopped is returned for runs submitted after or during Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Scheduler admits invocations onto a bounded worker pool.
type Scheduler struct {
	config *Config

	// Worker pool state
	mu             sync.Mutex
	activeWorkers  int
	waiting        int
	functionCounts map[string]int
	wake           chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		config:         cfg,
		functionCounts: make(map[string]int),
		wake:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Run executes fn on a worker slot for functionID, blocking until a slot is
// free, ctx ends, or the queue overflows. fn runs on the caller's goroutine.
func (sch *Scheduler) Run(ctx context.Context, functionID string, fn func(ctx context.Context) error) error {
	if err := sch.acquire(ctx, functionID); err != nil {
		return err
	}
	defer sch.wg.Done()
	defer sch.release(functionID)

	return fn(ctx)
}

func (sch *Scheduler) acquire(ctx context.Context, functionID string) error {
	limit := sch.config.GetFunctionLimit(functionID)
	queued := false

	sch.mu.Lock()
	for {
		if sch.ctx.Err() != nil {
			if queued {
				sch.waiting--
			}
			sch.mu.Unlock()
			return ErrStopped
		}
		if sch.activeWorkers < sch.config.Workers && sch.functionCounts[functionID] < limit {
			if queued {
				sch.waiting--
			}
			sch.activeWorkers++
			sch.functionCounts[functionID]++
			sch.wg.Add(1)
			sch.mu.Unlock()
			return nil
		}
		if !queued {
			if sch.waiting >= sch.config.QueueSize {
				sch.mu.Unlock()
				log.Warn().Str("function_id", functionID).Int("queue_size", sch.config.QueueSize).Msg("admission rejected, queue full")
				return ErrQueueFull
			}
			sch.waiting++
			queued = true
		}
		wake := sch.wake
		sch.mu.Unlock()

		select {
		case <-ctx.Done():
			sch.mu.Lock()
			sch.waiting--
			sch.mu.Unlock()
			return ctx.Err()
		case <-sch.ctx.Done():
		case <-wake:
		}
		sch.mu.Lock()
	}
}

func (sch *Scheduler) release(functionID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	sch.activeWorkers--
	sch.functionCounts[functionID]--
	if sch.functionCounts[functionID] <= 0 {
		delete(sch.functionCounts, functionID)
	}
	close(sch.wake)
	sch.wake = make(chan struct{})
}

// Stop rejects waiting and new runs and waits for active runs to finish.
func (sch *Scheduler) Stop() {
	// Cancel under mu so no slot is granted between cancel and Wait.
	sch.mu.Lock()
	sch.cancel()
	sch.mu.Unlock()
	sch.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// Stats is a snapshot of pool usage.
type Stats struct {
	ActiveWorkers  int            `json:"active_workers"`
	Waiting        int            `json:"waiting"`
	Workers        int            `json:"workers"`
	QueueSize      int            `json:"queue_size"`
	FunctionCounts map[string]int `json:"function_counts"`
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	functionCounts := make(map[string]int, len(sch.functionCounts))
	for k, v := range sch.functionCounts {
		functionCounts[k] = v
	}

	return Stats{
		ActiveWorkers:  sch.activeWorkers,
		Waiting:        sch.waiting,
		Workers:        sch.config.Workers,
		QueueSize:      sch.config.QueueSize,
		FunctionCounts: functionCounts,
	}
}
