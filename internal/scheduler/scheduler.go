// Package scheduler runs background jobs on cron schedules evaluated in the
// reference timezone.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Rajchodisetti/trading-gate/internal/observ"
)

// Job is a unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

type Scheduler struct {
	cron *cron.Cron
}

// New creates a scheduler whose five-field specs are read in loc. A job
// still running when its next tick arrives is skipped rather than stacked.
func New(loc *time.Location) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	observ.Log("scheduler_started", nil)
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	observ.Log("scheduler_stopped", nil)
}

// AddJob registers job under a standard cron spec such as "5 0 * * *".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			observ.Error("job_failed", err, map[string]any{"job": job.Name()})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s at %q: %w", job.Name(), schedule, err)
	}
	observ.Log("job_registered", map[string]any{"job": job.Name(), "schedule": schedule})
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	observ.Log("job_run_now", map[string]any{"job": job.Name()})
	return job.Run()
}

// Next reports when the earliest registered job fires next.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// cronLogger routes cron's own messages into the structured log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	// cron reports every wake-up at info; keep those out of the main log.
	if msg == "wake" || msg == "run" || msg == "schedule" {
		return
	}
	observ.Log("cron_"+msg, pairs(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	observ.Error("cron_"+msg, err, pairs(keysAndValues))
}

func pairs(kv []interface{}) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
