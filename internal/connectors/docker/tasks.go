// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"

	"github.com/yichenchong/proxyfleet/internal/consts"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const (
	TaskImagePull   = "imagepull::" + Type
	TaskImageRemove = "imageremove::" + Type
)

type (
	pullData struct {
		Host         string `json:"host" validate:"required"`
		Image        string `json:"image" validate:"required"`
		RegistryAuth string `json:"registryAuth,omitempty"`
	}

	removeData struct {
		Host      string `json:"host" validate:"required"`
		Image     string `json:"image" validate:"required"`
		KeepImage bool   `json:"keepImage"`
	}

	// pullCommand pulls the proxy image, then checks that it is there.
	pullCommand struct {
		task *model.Task
		data *pullData
		env  tasks.Env
		api  dockerAPI
	}

	// removeCommand removes the proxy image unless it must be kept.
	removeCommand struct {
		task *model.Task
		data *removeData
		env  tasks.Env
		api  dockerAPI
	}
)

func (f *Factory) pullFactory() tasks.Factory {
	return tasks.Factory{
		Type:     TaskImagePull,
		StepMax:  2,
		Validate: tasks.Validator[pullData](),
		Build: func(task *model.Task, env tasks.Env) (tasks.Command, error) {
			data, err := validation.Decode[pullData](task.Data)
			if err != nil {
				return nil, err
			}

			h, err := f.host(context.Background(), data.Host)
			if err != nil {
				return nil, model.Transient(err)
			}

			return &pullCommand{task: task, data: data, env: env, api: h.api}, nil
		},
	}
}

func (f *Factory) removeFactory() tasks.Factory {
	return tasks.Factory{
		Type:     TaskImageRemove,
		StepMax:  1,
		Validate: tasks.Validator[removeData](),
		Build: func(task *model.Task, env tasks.Env) (tasks.Command, error) {
			data, err := validation.Decode[removeData](task.Data)
			if err != nil {
				return nil, err
			}

			h, err := f.host(context.Background(), data.Host)
			if err != nil {
				return nil, model.Transient(err)
			}

			return &removeCommand{task: task, data: data, env: env, api: h.api}, nil
		},
	}
}

func (c *pullCommand) Execute(ctx context.Context) (model.TaskUpdate, error) {
	now := c.env.Now()

	switch c.task.StepCurrent {
	case 0:
		c.env.Log.Info().Str("image", c.data.Image).Msg("Pulling image")

		rc, err := c.api.ImagePull(ctx, c.data.Image, image.PullOptions{RegistryAuth: c.data.RegistryAuth})
		if err != nil {
			return model.TaskUpdate{}, fmt.Errorf("error pulling image %s: %w", c.data.Image, err)
		}
		defer rc.Close()

		// the pull is done when the progress stream ends
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return model.TaskUpdate{}, model.Transient(fmt.Errorf("error pulling image %s: %w", c.data.Image, err))
		}

		return tasks.NextStep(c.task, now, consts.TaskStepDelay, fmt.Sprintf("Pulling image %s...", c.data.Image), nil), nil

	case 1:
		if _, err := c.api.ImageInspect(ctx, c.data.Image); err != nil {
			if isNotFound(err) {
				return tasks.WaitTask(c.task, now, consts.TaskWaitDelay), nil
			}
			return model.TaskUpdate{}, err
		}

		return tasks.Finish(c.task, "Connector installed."), nil

	default:
		return model.TaskUpdate{}, tasks.StepError(c.task)
	}
}

// Cancel keeps pulled layers: other connectors may share the image.
func (c *pullCommand) Cancel(context.Context) error {
	return nil
}

func (c *removeCommand) Execute(ctx context.Context) (model.TaskUpdate, error) {
	if c.task.StepCurrent != 0 {
		return model.TaskUpdate{}, tasks.StepError(c.task)
	}

	if c.data.KeepImage {
		return tasks.Finish(c.task, "Connector uninstalled."), nil
	}

	_, err := c.api.ImageRemove(ctx, c.data.Image, image.RemoveOptions{PruneChildren: true})
	if err != nil && !isNotFound(err) {
		return model.TaskUpdate{}, fmt.Errorf("error removing image %s: %w", c.data.Image, err)
	}

	return tasks.Finish(c.task, "Connector uninstalled."), nil
}

func (c *removeCommand) Cancel(context.Context) error {
	return nil
}
