// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package worker runs the background maintenance tasks of a Cloudillo
// node: certificate renewal, stale profile re-sync, outbound delivery
// retries and offline notification fan-out. Tasks are periodic
// functions scheduled on jittered timers and executed on a bounded
// pool of slots, so a slow task never starves the rest and a burst of
// due timers never floods the stores.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/lib/defaults"
	"github.com/cloudillo/cloudillo/lib/utils"
)

// Stop is returned by a task function to take the task off the
// schedule for the remaining lifetime of the worker.
var Stop = errors.New("stop task")

// TaskFunc is one periodic task. The returned duration reschedules the
// next run; zero keeps the registered cadence. Returning Stop aborts
// the task, any other error is logged and the task stays scheduled.
type TaskFunc func(ctx context.Context) (time.Duration, error)

// Config configures a Worker.
type Config struct {
	// Concurrency is the number of tasks allowed to run at once.
	Concurrency int
	// FirstDelay bounds the delay before the first run of each task.
	FirstDelay time.Duration
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Jitter is applied to every scheduled delay.
	Jitter utils.Jitter
	// Log is the logger, defaults to the worker component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.WorkerConcurrency
	}
	if c.FirstDelay <= 0 {
		c.FirstDelay = defaults.WorkerFirstDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewSeventhJitter()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(cloudillo.ComponentWorker)
	}
	return nil
}

type task struct {
	name  string
	every time.Duration
	fn    TaskFunc
}

// Worker is a cooperative scheduler of periodic tasks.
type Worker struct {
	cfg  Config
	slot *semaphore.Weighted

	mu      sync.Mutex
	tasks   []task
	started bool
}

// New returns an unstarted worker.
func New(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{
		cfg:  cfg,
		slot: semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Register adds a periodic task. Must be called before Run.
func (w *Worker) Register(name string, every time.Duration, fn TaskFunc) error {
	if every <= 0 {
		return trace.BadParameter("task %q: cadence must be positive", name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return trace.BadParameter("task %q: worker already running", name)
	}
	w.tasks = append(w.tasks, task{name: name, every: every, fn: fn})
	return nil
}

// Run executes the registered tasks until ctx is canceled. Each task
// first fires after a short jittered delay, then on its own cadence.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return trace.BadParameter("worker already running")
	}
	w.started = true
	tasks := make([]task, len(w.tasks))
	copy(tasks, w.tasks)
	w.mu.Unlock()

	w.cfg.Log.InfoContext(ctx, "Worker starting.", "tasks", len(tasks), "concurrency", w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			w.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
	w.cfg.Log.InfoContext(ctx, "Worker stopped.")
	return nil
}

func (w *Worker) runTask(ctx context.Context, t task) {
	first := t.every
	if first > w.cfg.FirstDelay {
		first = w.cfg.FirstDelay
	}
	delay := w.cfg.Jitter(first)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Clock.After(delay):
		}
		next, err := w.execute(ctx, t)
		switch {
		case errors.Is(err, Stop):
			w.cfg.Log.InfoContext(ctx, "Task aborted.", "task", t.name)
			return
		case err != nil && ctx.Err() == nil:
			w.cfg.Log.WarnContext(ctx, "Task failed.", "task", t.name, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		if next <= 0 {
			next = t.every
		}
		delay = w.cfg.Jitter(next)
	}
}

// execute runs one task invocation on a pool slot.
func (w *Worker) execute(ctx context.Context, t task) (time.Duration, error) {
	if err := w.slot.Acquire(ctx, 1); err != nil {
		return 0, trace.Wrap(err)
	}
	defer w.slot.Release(1)
	return t.fn(ctx)
}
