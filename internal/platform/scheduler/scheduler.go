// Package scheduler runs periodic maintenance jobs on a cron schedule. Each
// run takes a named lock first so that only one replica does the work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/panacare/api/internal/platform/lock"
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

const defaultTimeout = 5 * time.Minute

type Job struct {
	Name     string
	Schedule string // standard five-field cron expression
	// Timeout bounds one run and the lock's lifetime. Defaults to 5m.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	locker lock.Locker
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

func New(locker lock.Locker, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.Recover(cronLogger{logger}))),
		locker: locker,
		logger: logger,
		jobs:   make(map[string]Job),
	}
}

// Add registers job. A job with an empty schedule can only be started with RunNow.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already added", job.Name)
	}
	if job.Schedule != "" {
		if _, err := s.cron.AddFunc(job.Schedule, func() {
			_ = s.run(context.Background(), job)
		}); err != nil {
			return fmt.Errorf("schedule job %q: %w", job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a registered job once, under the same lock as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	log := s.logger.With().Str("job", job.Name).Logger()

	unlock, err := s.locker.TryLock(ctx, "job:"+job.Name, job.Timeout)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Debug().Msg("job running elsewhere, skipped")
		} else {
			log.Error().Err(err).Msg("job lock failed")
		}
		return err
	}
	defer func() {
		// The run context may already be done; release with a fresh one.
		uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ucancel()
		if err := unlock(uctx); err != nil {
			log.Warn().Err(err).Msg("job unlock failed")
		}
	}()

	start := time.Now()
	err = job.Run(ctx)
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Dur("duration", time.Since(start)).Msg("job finished")
	return err
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
