package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/price-tracker/internal/pipeline"
	"github.com/maltedev/price-tracker/internal/queue"
)

// StartWorker executes queued runs one after another until ctx is done or
// the queue is closed.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("run worker started")

	for {
		task, err := m.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				m.logger.Info("run worker stopping")
				return
			}
			m.logger.Error("failed to take run from queue", "error", err)
			continue
		}

		m.execute(ctx, task.ID)
	}
}

// StartScheduler requests a run every interval until ctx is done.
func (m *Manager) StartScheduler(ctx context.Context, interval time.Duration, runOnStart bool) {
	m.logger.Info("scheduler started", "interval", interval)

	if runOnStart {
		m.schedule(TriggerStartup)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			m.schedule(TriggerScheduler)
		}
	}
}

func (m *Manager) schedule(trigger string) {
	if _, _, err := m.Request(trigger); err != nil {
		m.logger.Error("failed to schedule run", "trigger", trigger, "error", err)
	}
}

func (m *Manager) execute(ctx context.Context, runID string) {
	started := m.now()
	m.mu.Lock()
	if m.pending == runID {
		m.pending = ""
	}
	if r, ok := m.runs[runID]; ok {
		r.Status = StatusRunning
		r.StartedAt = &started
	}
	m.mu.Unlock()

	logger := m.logger.With("run_id", runID)
	logger.Info("processing run")

	runCtx := ctx
	if m.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.opts.RunTimeout)
		defer cancel()
	}

	report, err := m.runSafely(runCtx, runID)

	completed := m.now()
	m.update(runID, func(r *Run) {
		r.CompletedAt = &completed
		r.Report = report
		if err != nil {
			r.Status = StatusFailed
			r.Error = err.Error()
			return
		}
		r.Status = StatusCompleted
	})

	if err != nil {
		logger.Error("run failed", "error", err, "duration", completed.Sub(started))
		return
	}
	logger.Info("run completed", "duration", completed.Sub(started))
}

func (m *Manager) runSafely(ctx context.Context, runID string) (report *pipeline.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
		}
	}()
	return m.runner.Run(ctx, runID)
}
