// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yichenchong/proxyfleet/internal/consts"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/model"
)

type (
	// Store is the part of storage the scheduler needs.
	Store interface {
		ListDueTasks(ctx context.Context, now int64) ([]*model.Task, error)

		// ClaimTask reserves a task until leaseUntil if its NextRetryTs is
		// still expected. It returns model.ErrTaskNotClaimed otherwise.
		ClaimTask(ctx context.Context, id, owner string, expected, leaseUntil int64) (*model.Task, error)

		UpdateTask(ctx context.Context, task *model.Task) error
	}

	// Archiver keeps finished tasks.
	Archiver interface {
		ArchiveTask(ctx context.Context, task *model.Task) error
	}

	// Scheduler polls due tasks and runs one step of each.
	Scheduler struct {
		log      zerolog.Logger
		store    Store
		registry *Registry
		host     Host
		archiver Archiver
		tracer   trace.Tracer
		now      func() time.Time

		owner       string
		delay       time.Duration
		concurrency int

		inflight map[string]struct{}
		mtx      sync.Mutex
	}

	SchedulerOption func(*Scheduler)
)

func WithArchiver(a Archiver) SchedulerOption {
	return func(s *Scheduler) {
		s.archiver = a
	}
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewScheduler(log zerolog.Logger, store Store, registry *Registry, host Host,
	owner string, delay time.Duration, opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		log:         log.With().Str("module", "tasks").Logger(),
		store:       store,
		registry:    registry,
		host:        host,
		tracer:      core.Tracer("tasks"),
		now:         time.Now,
		owner:       owner,
		delay:       delay,
		concurrency: 1,
		inflight:    make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("delay", s.delay).Msg("Starting task scheduler")

	ticker := time.NewTicker(s.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Task scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("Error polling tasks")
			}
		}
	}
}

// RunOnce executes one step of every due task. Steps of different tasks run
// concurrently; a task is never stepped twice at the same time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now()

	due, err := s.store.ListDueTasks(ctx, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("listing due tasks: %w", err)
	}

	g := errgroup.Group{}
	g.SetLimit(s.concurrency)

	for _, task := range due {
		if !s.acquire(task.ID) {
			continue
		}

		g.Go(func() error {
			defer s.release(task.ID)
			s.runTask(ctx, task, now)
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) acquire(id string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}

	return true
}

func (s *Scheduler) release(id string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.inflight, id)
}

func (s *Scheduler) runTask(ctx context.Context, due *model.Task, now time.Time) {
	log := s.log.With().Str("task", due.ID).Str("type", due.Type).Logger()

	task, err := s.store.ClaimTask(ctx, due.ID, s.owner, due.NextRetryTs, now.Add(consts.TaskLease).UnixMilli())
	if err != nil {
		if errors.Is(err, model.ErrTaskNotClaimed) {
			log.Debug().Msg("Task claimed elsewhere")
		} else {
			log.Error().Err(err).Msg("Error claiming task")
		}
		return
	}

	ctx, span := core.StartSpan(ctx, s.tracer, "task.step",
		"task.id", task.ID, "task.type", task.Type, "connector.id", task.ConnectorID)

	env := Env{Host: s.host, Log: log, Now: s.now}
	cmd, buildErr := s.registry.Build(task, env)

	if task.CancelRequested {
		s.cancel(ctx, log, task, cmd, now)
		core.EndSpan(span, nil)
		return
	}

	if buildErr != nil {
		s.fail(ctx, log, task, nil, buildErr, now)
		core.EndSpan(span, buildErr)
		return
	}

	log.Debug().Int("step", task.StepCurrent).Msg("Executing task step")

	update, err := cmd.Execute(ctx)
	if err != nil {
		if model.IsTransient(err) {
			s.backoff(ctx, log, task, err, now)
		} else {
			s.fail(ctx, log, task, cmd, err, now)
		}
		core.EndSpan(span, err)
		return
	}

	task.Apply(update)
	task.Retries = 0
	if !task.Running {
		end := now.UnixMilli()
		task.EndAtTs = &end
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Error().Err(err).Msg("Error saving task")
		core.EndSpan(span, err)
		return
	}

	log.Debug().Int("step", task.StepCurrent).Bool("running", task.Running).Str("message", task.Message).Msg("Task step done")

	if !task.Running {
		log.Info().Str("message", task.Message).Msg("Task finished")
		s.archive(ctx, log, task)
	}

	core.EndSpan(span, nil)
}

// cancel aborts a task on user request.
func (s *Scheduler) cancel(ctx context.Context, log zerolog.Logger, task *model.Task, cmd Command, now time.Time) {
	if cmd != nil {
		if err := cmd.Cancel(ctx); err != nil {
			log.Warn().Err(err).Msg("Error cancelling task, resources may need manual cleanup")
		}
	}

	end := now.UnixMilli()
	task.Running = false
	task.Message = "cancelled"
	task.EndAtTs = &end

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Error().Err(err).Msg("Error saving cancelled task")
		return
	}

	log.Info().Msg("Task cancelled")
	s.archive(ctx, log, task)
}

// backoff keeps a task running after a transient error.
func (s *Scheduler) backoff(ctx context.Context, log zerolog.Logger, task *model.Task, stepErr error, now time.Time) {
	task.Retries++
	delay := Backoff(task.Retries)
	task.Message = stepErr.Error()
	task.NextRetryTs = now.Add(delay).UnixMilli()

	log.Warn().Err(stepErr).Int("retries", task.Retries).Dur("delay", delay).Msg("Task step failed, retrying")

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Error().Err(err).Msg("Error saving task")
	}
}

// fail stops a task permanently and marks its connector.
func (s *Scheduler) fail(ctx context.Context, log zerolog.Logger, task *model.Task, cmd Command, stepErr error, now time.Time) {
	log.Error().Err(stepErr).Int("step", task.StepCurrent).Msg("Task failed")

	if cmd != nil {
		if err := cmd.Cancel(ctx); err != nil {
			log.Warn().Err(err).Msg("Error cleaning up failed task")
		}
	}

	end := now.UnixMilli()
	task.Running = false
	task.Message = stepErr.Error()
	task.EndAtTs = &end

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Error().Err(err).Msg("Error saving failed task")
	}

	if s.host != nil && task.ConnectorID != "" {
		connector, err := s.host.GetConnectorByID(ctx, task.ProjectID, task.ConnectorID)
		if err != nil {
			log.Error().Err(err).Msg("Error loading connector of failed task")
		} else {
			connector.SetError(fmt.Errorf("task %s failed: %w", task.Type, stepErr))
			if err := s.host.UpdateConnector(ctx, connector); err != nil {
				log.Error().Err(err).Msg("Error marking connector as failed")
			}
		}
	}

	s.archive(ctx, log, task)
}

func (s *Scheduler) archive(ctx context.Context, log zerolog.Logger, task *model.Task) {
	if s.archiver == nil {
		return
	}

	if err := s.archiver.ArchiveTask(ctx, task); err != nil {
		log.Warn().Err(err).Msg("Error archiving task")
	}
}

// Backoff returns the delay before retry number n.
func Backoff(n int) time.Duration {
	delay := consts.TaskWaitDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= consts.TaskMaxBackoff {
			return consts.TaskMaxBackoff
		}
	}

	return delay
}
