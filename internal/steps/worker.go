package steps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/conductor/internal/conductorids"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"go.uber.org/zap"
)

// defaultPollInterval is how often an idle worker checks the runs queue for
// a job when ClaimJob finds nothing, mirroring the reference scheduler's
// 30s ticker, shortened since step jobs are latency-sensitive interactive
// work rather than a periodic sweep.
const defaultPollInterval = 2 * time.Second

// DefaultWorkerCount is the number of concurrent step workers started by
// WorkerPool.Start when the caller doesn't override it.
const DefaultWorkerCount = 4

// WorkerPool claims jobs from the runs queue and dispatches them to the
// Manager's step registry, grounded in the reference scheduler's
// Start(ctx)/Stop() lifecycle (jobs/scheduler.go) generalized from one
// ticker-driven dispatch loop to N goroutines independently polling a
// leased queue.
type WorkerPool struct {
	m       *Manager
	workers int
	poll    time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool constructs a pool of n step workers. n <= 0 uses
// DefaultWorkerCount.
func NewWorkerPool(m *Manager, n int) *WorkerPool {
	if n <= 0 {
		n = DefaultWorkerCount
	}
	return &WorkerPool{m: m, workers: n, poll: defaultPollInterval, logger: m.logger}
}

// Start launches the worker goroutines. Safe to call once; a second call
// while already running is a no-op.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("steps-worker-%s-%d", conductorids.New(conductorids.KindJob)[:6], i)
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.loop(loopCtx, id)
		}(workerID)
	}
}

// Stop cancels the worker loops and waits for in-flight claims to finish
// their current job.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.cancel = nil
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		if p.claimAndRun(ctx, workerID) {
			continue // there may be more work queued; don't wait out the tick
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimAndRun claims and processes one job, returning whether a job was
// found (so the caller can immediately poll again instead of waiting for
// the next tick).
func (p *WorkerPool) claimAndRun(ctx context.Context, workerID string) bool {
	job, ok, err := p.m.jobs.ClaimJob(jobqueue.QueueRuns, workerID)
	if err != nil {
		p.logger.Error("claim job failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	if err := p.process(ctx, job); err != nil {
		p.logger.Warn("step failed", zap.String("jobType", job.JobType), zap.String("runId", job.RunID), zap.Error(err))
		if failErr := p.m.jobs.FailJob(job.ID, err, 0); failErr != nil {
			p.logger.Error("mark job failed", zap.Error(failErr))
		}
		return true
	}
	if err := p.m.jobs.CompleteJob(job.ID); err != nil {
		p.logger.Error("mark job complete", zap.Error(err))
	}
	return true
}

func (p *WorkerPool) process(ctx context.Context, job jobqueue.Job) error {
	handler, ok := p.m.registry[job.JobType]
	if !ok {
		return fmt.Errorf("no step handler registered for job type %q", job.JobType)
	}

	run, err := p.m.loadRunContext(job.RunID)
	if err != nil {
		return fmt.Errorf("load run context: %w", err)
	}

	outcome, err := handler(ctx, p.m, run)
	if err != nil {
		return err
	}

	return p.applyOutcome(run, outcome)
}

func (p *WorkerPool) applyOutcome(run runContext, outcome Outcome) error {
	if outcome.Transition != nil {
		t := outcome.Transition
		// ResumePhase is already recorded by blockRun via
		// orchestrator.SetBlockedContext before this Outcome was returned;
		// TransitionPhase only needs to apply the phase move itself.
		if _, err := p.m.orch.TransitionPhase(run.ID, t.ToPhase, "steps", t.Reason, t.Payload); err != nil {
			return fmt.Errorf("transition phase: %w", err)
		}
		return nil
	}
	if outcome.NextStep != "" {
		return p.m.enqueueStep(run.ID, run.ProjectID, outcome.NextStep)
	}
	return nil
}
