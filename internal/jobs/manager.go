package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/price-tracker/internal/pipeline"
	"github.com/maltedev/price-tracker/internal/queue"
)

var ErrRunNotFound = errors.New("run not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	TriggerScheduler = "scheduler"
	TriggerAPI       = "api"
	TriggerStartup   = "startup"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, runID string) (*pipeline.Report, error)
}

// Run is the record of one requested pipeline run.
type Run struct {
	ID          string           `json:"id"`
	Trigger     string           `json:"trigger"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Report      *pipeline.Report `json:"report,omitempty"`
}

// Stats summarises the runs still held in memory.
type Stats struct {
	TotalRuns     int        `json:"total_runs"`
	PendingRuns   int        `json:"pending_runs"`
	RunningRuns   int        `json:"running_runs"`
	CompletedRuns int        `json:"completed_runs"`
	FailedRuns    int        `json:"failed_runs"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

type Options struct {
	// RunTimeout bounds a single run. Zero means no bound.
	RunTimeout time.Duration
	// HistorySize is the number of finished runs kept for the API.
	HistorySize int
}

// Manager queues run requests and executes them one at a time.
type Manager struct {
	runner Runner
	queue  queue.Queue
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	runs    map[string]*Run
	order   []string
	pending string
}

func NewManager(runner Runner, q queue.Queue, opts Options, logger *slog.Logger) *Manager {
	if opts.HistorySize < 1 {
		opts.HistorySize = 50
	}
	return &Manager{
		runner: runner,
		queue:  q,
		opts:   opts,
		logger: logger.With("component", "run_manager"),
		now:    time.Now,
		runs:   make(map[string]*Run),
	}
}

// Request queues a run. While another request is still waiting, that run is
// returned instead and coalesced is true.
func (m *Manager) Request(trigger string) (run *Run, coalesced bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != "" {
		if r, ok := m.runs[m.pending]; ok {
			m.logger.Debug("run request coalesced", "run_id", r.ID, "trigger", trigger)
			return r.clone(), true, nil
		}
	}

	r := &Run{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Status:    StatusPending,
		CreatedAt: m.now(),
	}

	priority := queue.PriorityScheduled
	if trigger == TriggerAPI {
		priority = queue.PriorityManual
	}

	if err := m.queue.Push(&queue.Task{ID: r.ID, Trigger: trigger, Priority: priority, CreatedAt: r.CreatedAt}); err != nil {
		return nil, false, fmt.Errorf("failed to queue run: %w", err)
	}

	m.runs[r.ID] = r
	m.order = append(m.order, r.ID)
	m.pending = r.ID
	m.trim()

	m.logger.Info("run queued", "run_id", r.ID, "trigger", trigger)
	return r.clone(), false, nil
}

func (m *Manager) GetRun(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r.clone(), nil
}

// ListRuns returns the known runs, newest first.
func (m *Manager) ListRuns() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		runs = append(runs, m.runs[m.order[i]].clone())
	}
	return runs
}

func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, r := range m.runs {
		stats.TotalRuns++
		switch r.Status {
		case StatusPending:
			stats.PendingRuns++
		case StatusRunning:
			stats.RunningRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		}
		if r.StartedAt != nil && (stats.LastRunAt == nil || r.StartedAt.After(*stats.LastRunAt)) {
			started := *r.StartedAt
			stats.LastRunAt = &started
		}
	}
	return stats
}

// update applies fn to the run under the lock.
func (m *Manager) update(id string, fn func(r *Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runs[id]; ok {
		fn(r)
	}
}

// trim drops the oldest finished runs beyond HistorySize. Callers hold m.mu.
func (m *Manager) trim() {
	excess := len(m.order) - m.opts.HistorySize
	if excess <= 0 {
		return
	}

	kept := m.order[:0]
	for _, id := range m.order {
		r := m.runs[id]
		if excess > 0 && (r.Status == StatusCompleted || r.Status == StatusFailed) {
			delete(m.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (r *Run) clone() *Run {
	cp := *r
	return &cp
}
