// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package datacenterlocal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/consts"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const (
	TaskImageCreate = "imagecreate::" + Type
	TaskImageRemove = "imageremove::" + Type
)

type (
	installData struct {
		URL            string             `json:"url" validate:"required,url"`
		SubscriptionID string             `json:"subscriptionId" validate:"required,uuid"`
		Region         string             `json:"region" validate:"required"`
		Certificate    *model.Certificate `json:"certificate" validate:"required"`
		ImageID        string             `json:"imageId,omitempty"`
	}

	uninstallData struct {
		URL            string `json:"url" validate:"required,url"`
		SubscriptionID string `json:"subscriptionId" validate:"required,uuid"`
		Region         string `json:"region" validate:"required"`
		ImageID        string `json:"imageId,omitempty"`
	}

	// installCommand builds the connector image, then waits for it.
	installCommand struct {
		factory *Factory
		task    *model.Task
		data    *installData
		env     tasks.Env
		client  *Client
	}

	// uninstallCommand removes the connector image, then waits until it is gone.
	uninstallCommand struct {
		factory *Factory
		task    *model.Task
		data    *uninstallData
		env     tasks.Env
		client  *Client
	}
)

func (f *Factory) installFactory() tasks.Factory {
	return tasks.Factory{
		Type:     TaskImageCreate,
		StepMax:  2,
		Validate: tasks.Validator[installData](),
		Build: func(task *model.Task, env tasks.Env) (tasks.Command, error) {
			data, err := validation.Decode[installData](task.Data)
			if err != nil {
				return nil, err
			}

			return &installCommand{
				factory: f,
				task:    task,
				data:    data,
				env:     env,
				client:  NewClient(env.Log, data.URL, f.timeout, f.retryMax),
			}, nil
		},
	}
}

func (f *Factory) uninstallFactory() tasks.Factory {
	return tasks.Factory{
		Type:     TaskImageRemove,
		StepMax:  2,
		Validate: tasks.Validator[uninstallData](),
		Build: func(task *model.Task, env tasks.Env) (tasks.Command, error) {
			data, err := validation.Decode[uninstallData](task.Data)
			if err != nil {
				return nil, err
			}

			return &uninstallCommand{
				factory: f,
				task:    task,
				data:    data,
				env:     env,
				client:  NewClient(env.Log, data.URL, f.timeout, f.retryMax),
			}, nil
		},
	}
}

func (c *installCommand) Execute(ctx context.Context) (model.TaskUpdate, error) {
	now := c.env.Now()

	switch c.task.StepCurrent {
	case 0:
		imageID := connectors.RandomName("image")
		if _, err := c.client.CreateImage(ctx, c.data.SubscriptionID, c.data.Region, imageID, c.data.Certificate); err != nil {
			return model.TaskUpdate{}, err
		}

		c.data.ImageID = imageID
		raw, err := json.Marshal(c.data)
		if err != nil {
			return model.TaskUpdate{}, err
		}

		return tasks.NextStep(c.task, now, consts.TaskStepDelay, fmt.Sprintf("Creating image %s...", imageID), raw), nil

	case 1:
		image, err := c.client.GetImage(ctx, c.data.SubscriptionID, c.data.Region, c.data.ImageID)
		if err != nil {
			if c.factory.NotFound().Resolve(connectors.PhaseInstall, err) == connectors.NotFoundTransient {
				return tasks.WaitTask(c.task, now, consts.TaskWaitDelay), nil
			}
			return model.TaskUpdate{}, err
		}
		if image.Status != ImageStatusReady {
			return tasks.WaitTask(c.task, now, consts.TaskWaitDelay), nil
		}

		connector, err := c.env.Host.GetConnectorByID(ctx, c.task.ProjectID, c.task.ConnectorID)
		if err != nil {
			return model.TaskUpdate{}, err
		}

		cfg, err := validation.Decode[ConnectorConfig](connector.Config)
		if err != nil {
			return model.TaskUpdate{}, err
		}
		cfg.ImageID = c.data.ImageID

		if connector.Config, err = json.Marshal(cfg); err != nil {
			return model.TaskUpdate{}, err
		}
		if err := c.env.Host.UpdateConnector(ctx, connector); err != nil {
			return model.TaskUpdate{}, err
		}

		return tasks.Finish(c.task, "Connector installed."), nil

	default:
		return model.TaskUpdate{}, tasks.StepError(c.task)
	}
}

// Cancel removes the image if it was already requested.
func (c *installCommand) Cancel(ctx context.Context) error {
	if c.data.ImageID == "" {
		return nil
	}

	err := c.client.RemoveImage(ctx, c.data.SubscriptionID, c.data.Region, c.data.ImageID)
	if err != nil && c.factory.NotFound().Resolve(connectors.PhaseCancel, err) == connectors.NotFoundSkip {
		return nil
	}

	return err
}

func (c *uninstallCommand) Execute(ctx context.Context) (model.TaskUpdate, error) {
	now := c.env.Now()

	switch c.task.StepCurrent {
	case 0:
		if c.data.ImageID == "" {
			return tasks.NextStep(c.task, now, consts.TaskStepDelay, "Skipping removing image...", nil), nil
		}

		err := c.client.RemoveImage(ctx, c.data.SubscriptionID, c.data.Region, c.data.ImageID)
		if err != nil && c.factory.NotFound().Resolve(connectors.PhaseUninstall, err) != connectors.NotFoundSuccess {
			return model.TaskUpdate{}, err
		}

		return tasks.NextStep(c.task, now, consts.TaskStepDelay, fmt.Sprintf("Removing image %s...", c.data.ImageID), nil), nil

	case 1:
		if c.data.ImageID == "" {
			return tasks.Finish(c.task, "Connector uninstalled."), nil
		}

		_, err := c.client.GetImage(ctx, c.data.SubscriptionID, c.data.Region, c.data.ImageID)
		if err == nil {
			return tasks.WaitTask(c.task, now, consts.TaskWaitDelay), nil
		}
		if c.factory.NotFound().Resolve(connectors.PhaseUninstall, err) == connectors.NotFoundSuccess {
			return tasks.Finish(c.task, "Connector uninstalled."), nil
		}

		return model.TaskUpdate{}, err

	default:
		return model.TaskUpdate{}, tasks.StepError(c.task)
	}
}

func (c *uninstallCommand) Cancel(context.Context) error {
	return nil
}
