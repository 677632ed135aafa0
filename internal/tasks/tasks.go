// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

type (
	// Command executes one step of a task per call.
	Command interface {
		// Execute runs the step at task.StepCurrent and returns the update
		// to persist. It must not run any other step.
		Execute(ctx context.Context) (model.TaskUpdate, error)

		// Cancel cleans up after an aborted task. It must not fail when
		// there is nothing to clean.
		Cancel(ctx context.Context) error
	}

	// Host is the service owning connectors, used by steps that write back
	// provider identifiers.
	Host interface {
		GetConnectorByID(ctx context.Context, projectID, connectorID string) (*model.Connector, error)
		UpdateConnector(ctx context.Context, connector *model.Connector) error
		GetCertificate(ctx context.Context, projectID, connectorID string) (*model.Certificate, error)
	}

	// Env is given to commands when they are built.
	Env struct {
		Host Host
		Log  zerolog.Logger
		Now  func() time.Time
	}

	// Factory describes one task type.
	Factory struct {
		Type     string
		StepMax  int
		Build    func(task *model.Task, env Env) (Command, error)
		Validate func(data json.RawMessage) error
	}

	// Provider is implemented by connector factories that declare tasks.
	Provider interface {
		TaskFactories() []Factory
	}

	// Registry maps task types to factories.
	Registry struct {
		factories map[string]Factory
		mtx       sync.RWMutex
	}
)

var (
	ErrDuplicateTaskType = errors.New("task type already registered")
	ErrTaskTypeNotFound  = errors.New("task type not found")
)

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(factories ...Factory) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, f := range factories {
		if f.Type == "" || f.Build == nil || f.StepMax <= 0 {
			return fmt.Errorf("invalid task factory %q", f.Type)
		}
		if _, ok := r.factories[f.Type]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskType, f.Type)
		}
		r.factories[f.Type] = f
	}

	return nil
}

// RegisterProviders registers the task factories of every provider in ps.
func (r *Registry) RegisterProviders(ps ...any) error {
	for _, p := range ps {
		tp, ok := p.(Provider)
		if !ok {
			continue
		}
		if err := r.Register(tp.TaskFactories()...); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) Get(taskType string) (Factory, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	f, ok := r.factories[taskType]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %s", ErrTaskTypeNotFound, taskType)
	}

	return f, nil
}

// Build validates the persisted state of task and builds its command.
// Data is validated on every resumption, not only when it was written.
func (r *Registry) Build(task *model.Task, env Env) (Command, error) {
	f, err := r.Get(task.Type)
	if err != nil {
		return nil, err
	}

	if task.StepCurrent < 0 || task.StepCurrent >= f.StepMax {
		return nil, &model.TaskStepError{TaskType: task.Type, Step: task.StepCurrent}
	}

	if f.Validate != nil {
		if err := f.Validate(task.Data); err != nil {
			return nil, fmt.Errorf("task %s data: %w", task.ID, err)
		}
	}

	if env.Now == nil {
		env.Now = time.Now
	}

	return f.Build(task, env)
}

// NewTask returns a running task of type f at step 0 carrying data.
func NewTask(f Factory, projectID, connectorID, message string, data any, now time.Time) (*model.Task, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding task data: %w", err)
	}

	if f.Validate != nil {
		if err := f.Validate(raw); err != nil {
			return nil, err
		}
	}

	return &model.Task{
		Type:        f.Type,
		ProjectID:   projectID,
		ConnectorID: connectorID,
		Running:     true,
		StepCurrent: 0,
		StepMax:     f.StepMax,
		Message:     message,
		StartAtTs:   now.UnixMilli(),
		NextRetryTs: now.UnixMilli(),
		Data:        raw,
	}, nil
}

// Validator returns a Validate function decoding data into T.
func Validator[T any]() func(json.RawMessage) error {
	return func(data json.RawMessage) error {
		_, err := validation.Decode[T](data)
		return err
	}
}

// WaitTask keeps the task on its step and polls again after delay.
func WaitTask(task *model.Task, now time.Time, delay time.Duration) model.TaskUpdate {
	return model.TaskUpdate{
		Running:     true,
		StepCurrent: task.StepCurrent,
		Message:     task.Message,
		NextRetryTs: now.Add(delay).UnixMilli(),
		Data:        task.Data,
	}
}

// NextStep moves the task to the following step.
func NextStep(task *model.Task, now time.Time, delay time.Duration, message string, data json.RawMessage) model.TaskUpdate {
	if data == nil {
		data = task.Data
	}

	return model.TaskUpdate{
		Running:     true,
		StepCurrent: task.StepCurrent + 1,
		Message:     message,
		NextRetryTs: now.Add(delay).UnixMilli(),
		Data:        data,
	}
}

// Finish stops the task successfully.
func Finish(task *model.Task, message string) model.TaskUpdate {
	return model.TaskUpdate{
		Running:     false,
		StepCurrent: task.StepCurrent,
		Message:     message,
		NextRetryTs: task.NextRetryTs,
		Data:        task.Data,
	}
}

// StepError is what commands return for a step they do not know.
func StepError(task *model.Task) error {
	return &model.TaskStepError{TaskType: task.Type, Step: task.StepCurrent}
}
