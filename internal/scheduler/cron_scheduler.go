package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// JobFunc is the body of a housekeeping job
type JobFunc func(ctx context.Context) error

// CronScheduler runs housekeeping jobs such as retention cleanup
type CronScheduler struct {
	logger   *zap.Logger
	cron     *cron.Cron
	mu       sync.RWMutex
	jobs     map[string]*model.HousekeepingJob
	entryIDs map[string]cron.EntryID
	ctx      context.Context
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new housekeeping scheduler
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		cron.WithLogger(cronLogger),
	}

	return &CronScheduler{
		logger:   logger.Named("cron-scheduler"),
		cron:     cron.New(cronOptions...),
		jobs:     make(map[string]*model.HousekeepingJob),
		entryIDs: make(map[string]cron.EntryID),
		ctx:      context.Background(),
	}
}

// Start starts the scheduler. Jobs receive contexts derived from ctx.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.Int("jobs", len(s.ListJobs())))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddJob registers a job under its cron expression
func (s *CronScheduler) AddJob(job *model.HousekeepingJob, fn JobFunc) error {
	if fn == nil {
		return ErrNilJobFunc
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	spec, err := cronParser.Parse(job.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = model.JobStatusPending
	next := spec.Next(now)
	job.NextRunTime = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := s.cron.Schedule(spec, &cronJob{
		scheduler: s,
		id:        job.ID,
		spec:      spec,
		fn:        fn,
	})
	s.jobs[job.ID] = job
	s.entryIDs[job.ID] = entryID

	s.logger.Info("Added job",
		zap.String("id", job.ID),
		zap.String("name", job.Name),
		zap.String("expression", job.Expression),
		zap.Time("next_run", next))

	return nil
}

// RemoveJob removes a job
func (s *CronScheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.jobs, id)

	s.logger.Info("Removed job", zap.String("id", id))
	return nil
}

// GetJob returns a copy of a job by ID
func (s *CronScheduler) GetJob(id string) (*model.HousekeepingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	c := *job
	return &c, nil
}

// ListJobs lists copies of all jobs
func (s *CronScheduler) ListJobs() []*model.HousekeepingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*model.HousekeepingJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		c := *job
		jobs = append(jobs, &c)
	}
	return jobs
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	id        string
	spec      cron.Schedule
	fn        JobFunc
}

// Run implements cron.Job
func (j *cronJob) Run() {
	s := j.scheduler
	now := time.Now()

	s.mu.Lock()
	job, ok := s.jobs[j.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.Status = model.JobStatusRunning
	job.LastRunTime = &now
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, jobRunTimeout)
	err := j.fn(ctx)
	cancel()

	next := j.spec.Next(time.Now())

	s.mu.Lock()
	job.UpdatedAt = time.Now()
	job.NextRunTime = &next
	if err != nil {
		job.Status = model.JobStatusFailed
		job.LastError = err.Error()
	} else {
		job.Status = model.JobStatusOK
		job.LastError = ""
	}
	name := job.Name
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Job failed",
			zap.String("id", j.id),
			zap.String("name", name),
			zap.Error(err))
		return
	}

	s.logger.Info("Executed job",
		zap.String("id", j.id),
		zap.String("name", name),
		zap.Time("executed_at", now),
		zap.Time("next_run", next))
}
