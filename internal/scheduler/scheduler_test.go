package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/phytolab/scrubber-controller/internal/scheduler"
)

func TestJobRunsRepeatedly(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	ran := make(chan struct{}, 10)
	s.Every("tick", 10*time.Millisecond, func() {
		select {
		case ran <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatalf("job did not run within 1s (run %d)", i+1)
		}
	}
}

func TestSlowJobNeverOverlapsItself(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	var active, maxActive int32
	s.Every("slow", 5*time.Millisecond, func() {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestPanickingJobKeepsRunning(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	var runs int32
	done := make(chan struct{})
	s.Every("flaky", 5*time.Millisecond, func() {
		if atomic.AddInt32(&runs, 1) == 3 {
			close(done)
		}
		panic("transient failure")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not survive its own panics")
	}
}

func TestStoppedJobDoesNotRunAgain(t *testing.T) {
	s := scheduler.New()

	var runs int32
	job := s.Every("countable", 10*time.Millisecond, func() {
		atomic.AddInt32(&runs, 1)
	})

	time.Sleep(50 * time.Millisecond)
	job.Stop()
	// let any in-progress run drain before sampling
	time.Sleep(20 * time.Millisecond)
	after := atomic.LoadInt32(&runs)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs))
}

func TestSchedulerStopCancelsAllJobs(t *testing.T) {
	s := scheduler.New()

	var runs int32
	s.Every("a", 10*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	s.Every("b", 10*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })

	s.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&runs))
}
