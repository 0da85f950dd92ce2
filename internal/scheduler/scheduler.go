// Package scheduler runs periodic jobs as self-rescheduling one-shot
// timers: a job is rescheduled only after its previous run completes, so
// a slow run can never overlap itself or drift into re-entrancy.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Job struct {
	name     string
	interval time.Duration
	fn       func()

	mu       sync.Mutex
	timer    *time.Timer
	inFlight bool
	stopped  bool
}

type Scheduler struct {
	mu   sync.Mutex
	jobs []*Job
}

func New() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run every interval, first run after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) *Job {
	j := &Job{name: name, interval: interval, fn: fn}
	j.mu.Lock()
	j.timer = time.AfterFunc(interval, j.run)
	j.mu.Unlock()

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()

	log.Debug().Str("job", name).Dur("interval", interval).Msg("Scheduled periodic job")
	return j
}

func (j *Job) run() {
	j.mu.Lock()
	if j.stopped || j.inFlight {
		j.mu.Unlock()
		return
	}
	j.inFlight = true
	j.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", j.name).Interface("panic", r).Msg("Periodic job panicked")
			}
		}()
		j.fn()
	}()

	j.mu.Lock()
	j.inFlight = false
	if !j.stopped {
		j.timer = time.AfterFunc(j.interval, j.run)
	}
	j.mu.Unlock()
}

// Stop cancels the job's pending timer. A run already in progress
// finishes but does not reschedule.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopped = true
	if j.timer != nil {
		j.timer.Stop()
	}
}

// Stop cancels every registered job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		j.Stop()
	}
	log.Info().Int("jobs", len(jobs)).Msg("Scheduler stopped")
}
