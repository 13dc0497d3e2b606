// Package scheduler runs recurring jobs on cron schedules: refreshing the
// vendor table and starting periodic full network scans.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
)

const (
	JobTypeVendorRefresh = "vendor_refresh"
	JobTypeScan          = "scan"
)

// VendorRefresher reloads the vendor table from its source.
type VendorRefresher interface {
	Refresh(ctx context.Context) error
}

// ScanRunner starts a discover-and-scan session in the background.
type ScanRunner interface {
	StartRun(ctx context.Context, cidr string) (string, error)
	Busy() bool
}

// Scheduler manages cron-driven jobs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[uuid.UUID]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
}

// ScheduledJob describes one registered job.
type ScheduledJob struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Schedule  string       `json:"schedule"`
	CronID    cron.EntryID `json:"-"`
	LastRun   time.Time    `json:"last_run,omitempty"`
	NextRun   time.Time    `json:"next_run,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Running   bool         `json:"running"`
	Skipped   int          `json:"skipped"`

	execute func(ctx context.Context) error
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default().WithComponent("scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[uuid.UUID]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("Scheduler stopped")
}

// AddVendorRefreshJob refreshes the vendor table on schedule.
func (s *Scheduler) AddVendorRefreshJob(schedule string, refresher VendorRefresher) (uuid.UUID, error) {
	return s.addJob("vendor table refresh", JobTypeVendorRefresh, schedule, refresher.Refresh)
}

// AddScanJob starts a full scan of cidr on schedule. A firing that finds a
// session already running is skipped.
func (s *Scheduler) AddScanJob(schedule, cidr string, runner ScanRunner) (uuid.UUID, error) {
	name := "scan " + cidr
	if cidr == "" {
		name = "scan local network"
	}
	return s.addJob(name, JobTypeScan, schedule, func(ctx context.Context) error {
		if runner.Busy() {
			return errSkipped
		}
		id, err := runner.StartRun(ctx, cidr)
		if errors.IsCode(err, errors.CodeBusy) {
			return errSkipped
		}
		if err != nil {
			return err
		}
		s.logger.Info("Scheduled scan started", "session_id", id, "network", cidr)
		return nil
	})
}

var errSkipped = fmt.Errorf("skipped: a session is already running")

func (s *Scheduler) addJob(name, jobType, schedule string, fn func(ctx context.Context) error) (uuid.UUID, error) {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return uuid.Nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			fmt.Sprintf("invalid cron expression: %v", err), jobType, schedule)
	}

	job := &ScheduledJob{
		ID:       uuid.New(),
		Name:     name,
		Type:     jobType,
		Schedule: schedule,
		NextRun:  parsed.Next(time.Now()),
		execute:  fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job.CronID = s.cron.Schedule(parsed, cron.FuncJob(func() { s.execute(job.ID) }))
	s.jobs[job.ID] = job

	s.logger.Info("Added scheduled job", "type", jobType, "name", name, "schedule", schedule)
	return job.ID, nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)

	s.logger.Info("Removed scheduled job", "name", job.Name)
	return nil
}

// GetJobs returns copies of all registered jobs.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		if entry := s.cron.Entry(job.CronID); entry.Valid() && !entry.Next.IsZero() {
			cp.NextRun = entry.Next
		}
		cp.execute = nil
		out = append(out, cp)
	}
	return out
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(jobID uuid.UUID) error {
	s.mu.RLock()
	_, exists := s.jobs[jobID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	s.execute(jobID)
	return nil
}

func (s *Scheduler) execute(jobID uuid.UUID) {
	job, ok := s.prepareJobExecution(jobID)
	if !ok {
		return
	}

	err := job.execute(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	job.Running = false
	switch {
	case err == errSkipped:
		job.Skipped++
		s.logger.Warn("Scheduled job skipped", "name", job.Name, "reason", err)
	case err != nil:
		job.LastError = err.Error()
		s.logger.Error("Scheduled job failed", "name", job.Name, "error", err)
	default:
		job.LastError = ""
		s.logger.Debug("Scheduled job finished", "name", job.Name, "duration", time.Since(job.LastRun))
	}
}

// prepareJobExecution marks a job running, refusing overlapping runs.
func (s *Scheduler) prepareJobExecution(jobID uuid.UUID) (*ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, false
	}
	if job.Running {
		job.Skipped++
		s.logger.Warn("Previous run still in progress, skipping", "name", job.Name)
		return nil, false
	}
	job.Running = true
	job.LastRun = time.Now()
	return job, true
}
