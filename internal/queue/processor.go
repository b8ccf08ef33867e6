// Package queue drains the durable task queue. A single processor
// claims the oldest pending task, runs it through the lifecycle
// operation layer, and persists the outcome. One task is in flight at
// a time; that is the system's concurrency guarantee for container
// and proxy mutation.
package queue

import (
	"context"
	"time"

	"github.com/clawdeploy/clawd/internal/log"
	"github.com/clawdeploy/clawd/internal/store"
)

// Runner executes one claimed task and returns its result payload and
// the trace id of the run.
type Runner interface {
	Run(ctx context.Context, task *store.Task) (result any, traceID string, err error)
}

// Processor is the queue consumer loop.
type Processor struct {
	store   *store.Store
	runner  Runner
	poll    time.Duration
	backoff time.Duration
}

// New returns a Processor polling at poll and backing off errorBackoff
// after a claim failure.
func New(st *store.Store, runner Runner, poll, errorBackoff time.Duration) *Processor {
	return &Processor{store: st, runner: runner, poll: poll, backoff: errorBackoff}
}

// Run consumes tasks until the context is cancelled. Tasks left in
// "processing" by a previous run are swept to failed first; their
// execution state is unknowable after a restart.
func (p *Processor) Run(ctx context.Context) error {
	if n, err := p.store.SweepProcessing("orphaned by restart"); err != nil {
		log.Error("sweeping orphaned tasks", "error", err)
	} else if n > 0 {
		log.Warn("swept orphaned tasks", "count", n)
	}

	for {
		task, err := p.store.ClaimOldestPending()
		if err != nil {
			log.Error("claiming task", "error", err)
			if !sleep(ctx, p.backoff) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			if !sleep(ctx, p.poll) {
				return ctx.Err()
			}
			continue
		}

		p.process(ctx, task)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// process runs one claimed task to a terminal status. Task failures
// are recorded on the task, never raised out of the loop.
func (p *Processor) process(ctx context.Context, task *store.Task) {
	logger := log.ForTask(task.ID)
	logger.Info("processing task", "type", task.Type, "user_id", task.UserID)

	result, traceID, err := p.runner.Run(ctx, task)
	if err != nil {
		logger.Error("task failed", "error", err)
		if failErr := p.store.FailTask(task.ID, err.Error(), traceID); failErr != nil {
			logger.Error("recording task failure", "error", failErr)
		}
		return
	}

	if err := p.store.CompleteTask(task.ID, result, traceID); err != nil {
		logger.Error("recording task completion", "error", err)
		return
	}
	logger.Info("task completed", "trace_id", traceID)
}

// sleep waits d or until the context ends, reporting whether to keep
// looping.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
