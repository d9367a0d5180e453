package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"trapper-data-collection/internal/config"
	"trapper-data-collection/internal/jobs"
	"trapper-data-collection/internal/models"
)

// JobRunner runs a named job
type JobRunner interface {
	Run(ctx context.Context, job, trigger string, dryRun bool) (*models.Run, error)
}

// Entry describes one scheduled job
type Entry struct {
	Job  string    `json:"job"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Scheduler runs the maintenance, report and cleanup jobs on cron schedules
type Scheduler struct {
	cron      *cron.Cron
	runner    JobRunner
	config    config.ScheduleConfig
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	entries   map[cron.EntryID]string
	specs     map[cron.EntryID]string
	isRunning bool
}

// NewScheduler creates a new scheduler
func NewScheduler(runner JobRunner, cfg config.ScheduleConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("invalid schedule timezone %q: %w", cfg.Timezone, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		runner:  runner,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[cron.EntryID]string),
		specs:   make(map[cron.EntryID]string),
	}, nil
}

// Start registers the configured jobs and starts the scheduler. A job with
// an empty schedule is not registered.
func (s *Scheduler) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler: disabled in configuration")
		return nil
	}

	for _, job := range []struct{ name, spec string }{
		{jobs.JobModify, s.config.Modify},
		{jobs.JobReport, s.config.Report},
		{jobs.JobCleanup, s.config.Cleanup},
	} {
		if job.spec == "" {
			continue
		}
		spec := cronSpec(job.spec)
		name := job.name
		id, err := s.cron.AddFunc(spec, func() { s.runJob(name) })
		if err != nil {
			return fmt.Errorf("invalid schedule for %s job %q: %w", name, job.spec, err)
		}
		s.entries[id] = name
		s.specs[id] = spec
		s.logger.Info(fmt.Sprintf("Scheduler: %s job scheduled", name), zap.String("cron", spec))
	}

	s.cron.Start()
	s.isRunning = true
	return nil
}

// Stop stops the scheduler, cancels a running job and waits for it to return
func (s *Scheduler) Stop() {
	if !s.isRunning {
		return
	}
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.isRunning = false
	s.logger.Info("Scheduler: stopped")
}

// Entries returns the scheduled jobs with their next run time
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.cron.Entries() {
		out = append(out, Entry{
			Job:  s.entries[e.ID],
			Spec: s.specs[e.ID],
			Next: e.Next,
			Prev: e.Prev,
		})
	}
	return out
}

func (s *Scheduler) runJob(name string) {
	s.logger.Info(fmt.Sprintf("Scheduler: starting %s job", name))
	run, err := s.runner.Run(s.ctx, name, models.TriggerSchedule, false)
	switch {
	case errors.Is(err, jobs.ErrBusy):
		s.logger.Warn(fmt.Sprintf("Scheduler: skipping %s job, another job is running", name))
	case err != nil:
		s.logger.Error(fmt.Sprintf("Scheduler: %s job failed", name), zap.Error(err))
	default:
		s.logger.Info(fmt.Sprintf("Scheduler: %s job completed", name), zap.String("run", run.ID))
	}
}

// cronSpec accepts a cron expression or a daily "HH:MM" time.
// Example: "02:00" -> "0 2 * * *"
func cronSpec(spec string) string {
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, " ") || strings.HasPrefix(spec, "@") {
		return spec
	}
	var hour, minute int
	if n, _ := fmt.Sscanf(spec, "%d:%d", &hour, &minute); n == 2 &&
		hour >= 0 && hour < 24 && minute >= 0 && minute < 60 {
		return fmt.Sprintf("%d %d * * *", minute, hour)
	}
	return spec
}
