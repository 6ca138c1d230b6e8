// Package cron runs scheduled maintenance jobs against a node.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 30 * time.Second

// Snapshotter is implemented by cluster.Node.
type Snapshotter interface {
	TriggerSnapshot(ctx context.Context) error
}

// Job represents a scheduled task
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // Cron syntax, with seconds
	Runs     uint64 `json:"runs"`
	Failures uint64 `json:"failures"`
}

type scheduledJob struct {
	Job
	id cron.EntryID
}

// Scheduler manages cron jobs
type Scheduler struct {
	target Snapshotter
	logger *zap.Logger
	cron   *cron.Cron
	jobs   map[string]*scheduledJob
	mu     sync.RWMutex
}

// NewScheduler creates a new cron scheduler
func NewScheduler(target Snapshotter, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		target: target,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()), // Support seconds for precision
		jobs:   make(map[string]*scheduledJob),
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting Cron Scheduler")
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddSnapshotJob triggers a snapshot on schedule. Adding a job under an
// existing name replaces it.
func (s *Scheduler) AddSnapshotJob(name, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &scheduledJob{Job: Job{Name: name, Schedule: schedule}}
	id, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	job.id = id

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.id)
	}
	s.jobs[name] = job
	s.logger.Info("Added cron job", zap.String("name", name), zap.String("schedule", schedule), zap.Int("id", int(id)))
	return nil
}

// RemoveJob unschedules name.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if ok {
		s.cron.Remove(job.id)
		delete(s.jobs, name)
	}
	return ok
}

func (s *Scheduler) executeJob(job *scheduledJob) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	err := s.target.TriggerSnapshot(ctx)

	s.mu.Lock()
	job.Runs++
	if err != nil {
		job.Failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Snapshot job failed", zap.String("name", job.Name), zap.Error(err))
		return
	}
	s.logger.Debug("Snapshot job done", zap.String("name", job.Name))
}

// ListJobs returns all registered jobs
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j.Job)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].Name < list[k].Name })
	return list
}
