// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package vultr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vultr/govultr/v3"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/consts"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const (
	TaskFirewallCreate = "firewallcreate::" + Type
	TaskFirewallRemove = "firewallremove::" + Type
)

type (
	firewallData struct {
		APIKey      string `json:"apiKey" validate:"required"`
		BaseURL     string `json:"baseUrl,omitempty" validate:"omitempty,url"`
		Description string `json:"description,omitempty"`
		Port        int    `json:"port" validate:"gte=1,lte=65535"`
		GroupID     string `json:"groupId,omitempty"`
	}

	// firewallCreateCommand creates a firewall group opening the proxy port,
	// then stores it on the connector.
	firewallCreateCommand struct {
		factory *Factory
		task    *model.Task
		data    *firewallData
		env     tasks.Env
		client  *govultr.Client
	}

	firewallRemoveCommand struct {
		factory *Factory
		task    *model.Task
		data    *firewallData
		env     tasks.Env
		client  *govultr.Client
	}
)

func (f *Factory) firewallCreateFactory() tasks.Factory {
	return tasks.Factory{
		Type:     TaskFirewallCreate,
		StepMax:  2,
		Validate: tasks.Validator[firewallData](),
		Build: func(task *model.Task, env tasks.Env) (tasks.Command, error) {
			data, c, err := f.buildFirewall(task)
			if err != nil {
				return nil, err
			}

			return &firewallCreateCommand{factory: f, task: task, data: data, env: env, client: c}, nil
		},
	}
}

func (f *Factory) firewallRemoveFactory() tasks.Factory {
	return tasks.Factory{
		Type:     TaskFirewallRemove,
		StepMax:  1,
		Validate: tasks.Validator[firewallData](),
		Build: func(task *model.Task, env tasks.Env) (tasks.Command, error) {
			data, c, err := f.buildFirewall(task)
			if err != nil {
				return nil, err
			}

			return &firewallRemoveCommand{factory: f, task: task, data: data, env: env, client: c}, nil
		},
	}
}

func (f *Factory) buildFirewall(task *model.Task) (*firewallData, *govultr.Client, error) {
	data, err := validation.Decode[firewallData](task.Data)
	if err != nil {
		return nil, nil, err
	}

	c, err := f.client(context.Background(), &CredentialConfig{APIKey: data.APIKey, BaseURL: data.BaseURL})
	if err != nil {
		return nil, nil, err
	}

	return data, c, nil
}

func (c *firewallCreateCommand) Execute(ctx context.Context) (model.TaskUpdate, error) {
	now := c.env.Now()

	switch c.task.StepCurrent {
	case 0:
		group, _, err := c.client.FirewallGroup.Create(ctx, &govultr.FirewallGroupReq{Description: c.data.Description})
		if err != nil {
			return model.TaskUpdate{}, fmt.Errorf("error creating firewall group: %w", err)
		}

		c.data.GroupID = group.ID
		raw, err := json.Marshal(c.data)
		if err != nil {
			return model.TaskUpdate{}, err
		}

		return tasks.NextStep(c.task, now, consts.TaskStepDelay, fmt.Sprintf("Creating firewall group %s...", group.ID), raw), nil

	case 1:
		if _, _, err := c.client.FirewallGroup.Get(ctx, c.data.GroupID); err != nil {
			if c.factory.NotFound().Resolve(connectors.PhaseInstall, err) == connectors.NotFoundTransient {
				return tasks.WaitTask(c.task, now, consts.TaskWaitDelay), nil
			}
			return model.TaskUpdate{}, err
		}

		for _, ipType := range []string{"v4", "v6"} {
			subnet := "0.0.0.0"
			if ipType == "v6" {
				subnet = "::"
			}

			_, _, err := c.client.FirewallRule.Create(ctx, c.data.GroupID, &govultr.FirewallRuleReq{
				IPType:   ipType,
				Protocol: "tcp",
				Subnet:   subnet,
				Port:     strconv.Itoa(c.data.Port),
				Notes:    "proxyfleet",
			})
			if err != nil {
				return model.TaskUpdate{}, fmt.Errorf("error creating firewall rule: %w", err)
			}
		}

		connector, err := c.env.Host.GetConnectorByID(ctx, c.task.ProjectID, c.task.ConnectorID)
		if err != nil {
			return model.TaskUpdate{}, err
		}

		cfg, err := validation.Decode[ConnectorConfig](connector.Config)
		if err != nil {
			return model.TaskUpdate{}, err
		}
		cfg.FirewallGroupID = c.data.GroupID

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

// Cancel deletes the firewall group if it was already created.
func (c *firewallCreateCommand) Cancel(ctx context.Context) error {
	if c.data.GroupID == "" {
		return nil
	}

	err := c.client.FirewallGroup.Delete(ctx, c.data.GroupID)
	if err != nil && c.factory.NotFound().Resolve(connectors.PhaseCancel, err) == connectors.NotFoundSkip {
		return nil
	}

	return err
}

func (c *firewallRemoveCommand) Execute(ctx context.Context) (model.TaskUpdate, error) {
	if c.task.StepCurrent != 0 {
		return model.TaskUpdate{}, tasks.StepError(c.task)
	}

	if c.data.GroupID == "" {
		return tasks.Finish(c.task, "Connector uninstalled."), nil
	}

	err := c.client.FirewallGroup.Delete(ctx, c.data.GroupID)
	if err != nil && c.factory.NotFound().Resolve(connectors.PhaseUninstall, err) != connectors.NotFoundSuccess {
		return model.TaskUpdate{}, fmt.Errorf("error deleting firewall group %s: %w", c.data.GroupID, err)
	}

	return tasks.Finish(c.task, "Connector uninstalled."), nil
}

func (c *firewallRemoveCommand) Cancel(context.Context) error {
	return nil
}
