// Package scheduler runs periodic background tasks and supervises the
// long-lived services of the process.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/dankchat-api/internal/logging"
)

// Task is one tick's body.
type Task func(ctx context.Context) error

type JobOptions struct {
	Clock clockwork.Clock
	// SkipInitial waits one interval before the first tick.
	SkipInitial bool
	Metrics     *Metrics
}

// Job runs a task at a fixed interval. Ticks never overlap: the next wait
// starts only after the body returned. A failing or panicking body is logged
// and the schedule continues unchanged.
type Job struct {
	name     string
	interval time.Duration
	task     Task
	clock    clockwork.Clock
	initial  bool
	metrics  *Metrics
	trigger  chan struct{}
	ticks    atomic.Int64

	mu       sync.Mutex
	inflight chan struct{} // closed when the running tick returns
}

func NewJob(name string, interval time.Duration, task Task, opts JobOptions) *Job {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Job{
		name:     name,
		interval: interval,
		task:     task,
		clock:    opts.Clock,
		initial:  !opts.SkipInitial,
		metrics:  opts.Metrics,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger queues an immediate tick. It returns false when one is already
// queued.
func (j *Job) Trigger() bool {
	select {
	case j.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Ticks reports how many ticks have completed.
func (j *Job) Ticks() int64 { return j.ticks.Load() }

// Wait blocks until the tick running at call time, if any, has returned.
// Supervisors give up on a stopping service after their timeout; callers
// that release resources used by the task must Wait first.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	done := j.inflight
	j.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs until ctx ends. A tick in progress when ctx ends is allowed to
// finish and no new tick starts after that. It satisfies suture.Service.
func (j *Job) Serve(ctx context.Context) error {
	if j.initial {
		j.tick(ctx, "start")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timer := j.clock.NewTimer(j.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
			j.tick(ctx, "interval")
		case <-j.trigger:
			timer.Stop()
			j.tick(ctx, "manual")
		}
	}
}

func (j *Job) tick(ctx context.Context, reason string) {
	done := make(chan struct{})
	j.mu.Lock()
	if ctx.Err() != nil {
		j.mu.Unlock()
		return
	}
	j.inflight = done
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.inflight = nil
		j.mu.Unlock()
		close(done)
	}()

	start := j.clock.Now()
	err := j.runSafely(context.WithoutCancel(ctx))
	elapsed := j.clock.Since(start)
	j.ticks.Add(1)
	j.metrics.observe(j.name, err == nil, elapsed)

	if err != nil {
		logging.Error().Err(err).Str("job", j.name).Str("reason", reason).Dur("elapsed", elapsed).Msg("scheduler: tick failed")
		return
	}
	logging.Debug().Str("job", j.name).Str("reason", reason).Dur("elapsed", elapsed).Msg("scheduler: tick done")
}

func (j *Job) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return j.task(ctx)
}

func (j *Job) String() string { return "job/" + j.name }
