// Package maintenance runs the periodic low-priority jobs: stale
// address pruning, rate limiter state pruning, presence window
// rollover, and durable snapshots. Jobs read shared state under the
// same short critical sections as connection handling and never block
// it.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Task represents one scheduled maintenance job
type Task struct {
	ID       string
	Name     string
	Schedule string
	LastRun  time.Time
	NextRun  time.Time
	Status   TaskStatus
	Error    error
	CronID   cron.EntryID
	Run      func(context.Context) error
}

// Scheduler manages maintenance job scheduling and execution
type Scheduler struct {
	cron   *cron.Cron
	tasks  map[string]*Task
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewScheduler creates a new maintenance scheduler
func NewScheduler(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		tasks:  make(map[string]*Task),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.logger.Info("Starting maintenance scheduler")
	s.cron.Start()
}

// Stop gracefully shuts down, waiting for running jobs to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping maintenance scheduler")
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Schedule registers a job under a cron spec and returns its task ID.
func (s *Scheduler) Schedule(name, spec string, run func(context.Context) error) (string, error) {
	if name == "" || run == nil {
		return "", fmt.Errorf("task name and function are required")
	}

	task := &Task{
		ID:       uuid.New().String(),
		Name:     name,
		Schedule: spec,
		Status:   TaskStatusPending,
		Run:      run,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cronID, err := s.cron.AddFunc(spec, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return "", fmt.Errorf("scheduling task %s: %w", name, err)
	}

	task.CronID = cronID
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("name", name),
		zap.String("schedule", spec))
	return task.ID, nil
}

// Unschedule removes a job
func (s *Scheduler) Unschedule(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	delete(s.tasks, taskID)
	return nil
}

// GetTask retrieves a task by ID
func (s *Scheduler) GetTask(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return task, nil
}

// ListTasks returns all scheduled tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.executeTask(s.ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := task.Run(ctx)

	s.mu.Lock()
	task.Error = err
	if err != nil {
		task.Status = TaskStatusFailed
	} else {
		task.Status = TaskStatusComplete
	}
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Maintenance task failed",
			zap.String("name", task.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("Maintenance task complete",
		zap.String("name", task.Name),
		zap.Duration("elapsed", time.Since(start)))
}
