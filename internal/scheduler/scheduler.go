// Package scheduler runs the background sweeps that move persisted state
// forward: submitting pending tasks, polling processing ones, aging out
// stuck work, reconciling workflow runs and expiring unpaid recharge orders.
//
// Sweeps claim rows with short leases, so any number of replicas can run the
// scheduler concurrently; each row is processed by at most one worker per
// lease window.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/monitoring"
	"github.com/mediaforge/backend/internal/task"
	"github.com/mediaforge/backend/internal/workflow"
)

// TaskEngine is the slice of the task engine the sweeps drive.
type TaskEngine interface {
	Submit(ctx context.Context, t *task.Task) error
	Poll(ctx context.Context, t *task.Task) error
	FailTimedOut(ctx context.Context, t *task.Task) error
}

// TaskClaims leases due task rows.
type TaskClaims interface {
	ClaimSubmittable(ctx context.Context, batch int, lease time.Duration) ([]*task.Task, error)
	ClaimPollable(ctx context.Context, batch int, lease time.Duration) ([]*task.Task, error)
	ClaimTimedOut(ctx context.Context, asyncBudget, syncBudget time.Duration, batch int, lease time.Duration) ([]*task.Task, error)
}

// RunEngine reconciles one claimed workflow run.
type RunEngine interface {
	Reconcile(ctx context.Context, r *workflow.Run) error
}

// RunClaims leases live workflow runs.
type RunClaims interface {
	ClaimRunning(ctx context.Context, batch int, lease time.Duration) ([]*workflow.Run, error)
	ReleaseRun(ctx context.Context, runID int64) error
}

// Orders expires stale recharge orders.
type Orders interface {
	CloseExpiredOrders(ctx context.Context) (int64, error)
}

// Scheduler owns the sweep loops. Start launches them; Stop waits for
// in-flight work to drain.
type Scheduler struct {
	cfg     config.SchedulerConfig
	taskCfg config.TaskConfig

	tasks      TaskClaims
	taskEngine TaskEngine
	runs       RunClaims
	runEngine  RunEngine
	orders     Orders

	sem     *semaphore.Weighted
	metrics *monitoring.Metrics
	log     *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires a scheduler. orders and metrics may be nil.
func New(cfg config.SchedulerConfig, taskCfg config.TaskConfig, tasks TaskClaims, taskEngine TaskEngine, runs RunClaims, runEngine RunEngine, orders Orders, metrics *monitoring.Metrics) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		taskCfg:    taskCfg,
		tasks:      tasks,
		taskEngine: taskEngine,
		runs:       runs,
		runEngine:  runEngine,
		orders:     orders,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics:    metrics,
		log:        slog.With("component", "scheduler"),
		stop:       make(chan struct{}),
	}
}

// Start launches the sweep loops in the background.
func (s *Scheduler) Start() {
	s.loop("tasks", time.Duration(s.cfg.TaskIntervalSeconds)*time.Second, s.taskSweep)
	s.loop("workflows", time.Duration(s.cfg.WorkflowIntervalSeconds)*time.Second, s.workflowSweep)
	if s.orders != nil {
		s.loop("recharge_orders", time.Minute, s.orderSweep)
	}
	s.log.Info("scheduler started",
		"task_interval_s", s.cfg.TaskIntervalSeconds,
		"workflow_interval_s", s.cfg.WorkflowIntervalSeconds,
		"concurrency", s.cfg.Concurrency)
}

// Stop signals the loops and blocks until running workers finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(name string, interval time.Duration, sweep func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if s.metrics != nil {
					s.metrics.TickTotal.WithLabelValues(name).Inc()
				}
				sweep(context.Background())
			}
		}
	}()
}

func (s *Scheduler) lease() time.Duration {
	return time.Duration(s.cfg.ClaimLeaseSeconds) * time.Second
}

// taskSweep runs the three task claims back to back. Each claimed row is
// handed to a semaphore-bounded worker; a row failure never stops the sweep.
func (s *Scheduler) taskSweep(ctx context.Context) {
	submit, err := s.tasks.ClaimSubmittable(ctx, s.cfg.BatchSize, s.lease())
	if err != nil {
		s.sweepError("claim_submittable", err)
	}
	poll, err := s.tasks.ClaimPollable(ctx, s.cfg.BatchSize, s.lease())
	if err != nil {
		s.sweepError("claim_pollable", err)
	}
	timedOut, err := s.tasks.ClaimTimedOut(ctx,
		s.taskCfg.Timeout(true), s.taskCfg.Timeout(false),
		s.cfg.BatchSize, s.lease())
	if err != nil {
		s.sweepError("claim_timed_out", err)
	}
	s.observeClaims("tasks", len(submit)+len(poll)+len(timedOut))

	for _, t := range submit {
		s.spawn(ctx, "submit", t.ID, func(ctx context.Context) error {
			return s.taskEngine.Submit(ctx, t)
		})
	}
	for _, t := range poll {
		s.spawn(ctx, "poll", t.ID, func(ctx context.Context) error {
			return s.taskEngine.Poll(ctx, t)
		})
	}
	for _, t := range timedOut {
		s.spawn(ctx, "timeout", t.ID, func(ctx context.Context) error {
			return s.taskEngine.FailTimedOut(ctx, t)
		})
	}
}

func (s *Scheduler) workflowSweep(ctx context.Context) {
	runs, err := s.runs.ClaimRunning(ctx, s.cfg.BatchSize, s.lease())
	if err != nil {
		s.sweepError("claim_runs", err)
		return
	}
	s.observeClaims("workflows", len(runs))

	for _, r := range runs {
		r := r
		s.spawn(ctx, "reconcile", r.ID, func(ctx context.Context) error {
			err := s.runEngine.Reconcile(ctx, r)
			// Release even on error so the run is not stuck for a full lease.
			if relErr := s.runs.ReleaseRun(ctx, r.ID); relErr != nil && err == nil {
				err = relErr
			}
			return err
		})
	}
}

func (s *Scheduler) orderSweep(ctx context.Context) {
	n, err := s.orders.CloseExpiredOrders(ctx)
	if err != nil {
		s.sweepError("close_expired_orders", err)
		return
	}
	if n > 0 {
		s.log.Info("expired recharge orders closed", "count", n)
	}
}

// spawn runs fn under the concurrency semaphore. Panics are contained to
// the row.
func (s *Scheduler) spawn(ctx context.Context, op string, id int64, fn func(context.Context) error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("worker panic", "op", op, "id", id, "panic", r, "stack", string(debug.Stack()))
				if s.metrics != nil {
					s.metrics.WorkerErrors.WithLabelValues(op).Inc()
				}
			}
		}()
		if err := fn(ctx); err != nil {
			s.log.Warn("worker error", "op", op, "id", id, "error", err)
			if s.metrics != nil {
				s.metrics.WorkerErrors.WithLabelValues(op).Inc()
			}
		}
	}()
}

func (s *Scheduler) sweepError(op string, err error) {
	s.log.Error("sweep failed", "op", op, "error", err)
	if s.metrics != nil {
		s.metrics.WorkerErrors.WithLabelValues(op).Inc()
	}
}

func (s *Scheduler) observeClaims(kind string, n int) {
	if s.metrics != nil {
		s.metrics.ClaimedRows.WithLabelValues(kind).Observe(float64(n))
	}
}
