package main

import (
	"context"
	"time"

	"github.com/marcus-qen/conductor/internal/config"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/mirror"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/marcus-qen/conductor/internal/streambus"
	"github.com/marcus-qen/conductor/internal/worktree"
	"go.uber.org/zap"
)

// janitorInterval is how often the maintenance sweep runs. Each underlying
// operation is itself bounded by its own age/threshold, so running this
// more often than its slowest-changing input (a few days) costs nothing
// beyond a handful of cheap queries.
const janitorInterval = 5 * time.Minute

type janitorDeps struct {
	db              *storage.DB
	jobs            *jobqueue.Queue
	outbox          *outbox.Outbox
	mirror          *mirror.Mirror
	bus             *streambus.Bus
	worktreeJanitor *worktree.Janitor
	cfg             config.Config
	logger          *zap.Logger
}

// startJanitor launches the periodic maintenance sweep (spec.md §6's
// janitor intervals), grounded on internal/steps.WorkerPool's ticker loop
// narrowed to a single goroutine running one sweep per tick instead of
// claiming individual jobs. Returns a stop function.
func startJanitor(ctx context.Context, d janitorDeps) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (d janitorDeps) sweep() {
	retryable, err := d.jobs.FindRetryableJobs(jobqueue.QueueRuns)
	if err != nil {
		d.logger.Error("janitor: find retryable jobs", zap.Error(err))
	}
	for _, job := range retryable {
		if err := d.jobs.RequeueRetryable(job.ID); err != nil {
			d.logger.Error("janitor: requeue job", zap.String("jobId", job.ID), zap.Error(err))
		}
	}

	if expired, err := d.jobs.FindExpiredLeases(jobqueue.QueueRuns); err != nil {
		d.logger.Error("janitor: find expired leases", zap.Error(err))
	} else if len(expired) > 0 {
		d.logger.Warn("janitor: jobs with expired leases (self-healing on next claim)", zap.Int("count", len(expired)))
	}

	if n, err := d.jobs.DeleteOldCompletedJobs(d.cfg.Janitor.CompletedJobMaxAgeDays); err != nil {
		d.logger.Error("janitor: delete old completed jobs", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("janitor: deleted old completed jobs", zap.Int64("count", n))
	}

	staleAfter := time.Duration(d.cfg.Janitor.OutboxStaleMinutes) * time.Minute
	if n, err := d.outbox.ResetStalledProcessing(staleAfter); err != nil {
		d.logger.Error("janitor: reset stalled outbox entries", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("janitor: reset stalled outbox entries", zap.Int64("count", n))
	}

	if err := d.mirror.FlushOrphans(time.Duration(d.cfg.Mirror.StaleDeferredMinutes)*time.Minute, d.mirrorTarget); err != nil {
		d.logger.Error("janitor: flush orphaned mirror events", zap.Error(err))
	}

	if n, err := d.bus.PruneStreamEvents(time.Duration(d.cfg.Janitor.StreamPruneMaxAgeDays) * 24 * time.Hour); err != nil {
		d.logger.Error("janitor: prune stream events", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("janitor: pruned stream events", zap.Int64("count", n))
	}

	if err := d.worktreeJanitor.Run(); err != nil {
		d.logger.Error("janitor: worktree sweep", zap.Error(err))
	}
}

// mirrorTarget resolves a run's linked upstream ticket for FlushOrphans,
// mirroring mirror.Mirror's own unexported resolveTarget (not reusable
// across packages since it's private to that type).
func (d janitorDeps) mirrorTarget(runID string) (targetNodeID, targetType string) {
	var nodeID string
	if err := d.db.QueryRow(
		`SELECT t.upstream_node_id FROM runs r JOIN tasks t ON t.id = r.task_id WHERE r.id = ?`, runID,
	).Scan(&nodeID); err != nil {
		return "", ""
	}
	return nodeID, "issue"
}
