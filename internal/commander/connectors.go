// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package commander

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

// ConnectorUpdate holds the writable fields of a connector. Config and
// CredentialID only change while the connector is inactive.
type ConnectorUpdate struct {
	Name                       string                          `json:"name" validate:"required,max=64"`
	CredentialID               string                          `json:"credentialId" validate:"required"`
	Config                     json.RawMessage                 `json:"config"`
	ProxiesMax                 int                             `json:"proxiesMax" validate:"gte=0"`
	ProxiesTimeoutDisconnected int64                           `json:"proxiesTimeoutDisconnected" validate:"gt=0"`
	ProxiesTimeoutUnreachable  model.ProxiesTimeoutUnreachable `json:"proxiesTimeoutUnreachable"`
}

// CreateConnector validates and stores a new, inactive connector. A
// certificate is issued when the provider needs one.
func (c *Commander) CreateConnector(ctx context.Context, projectID string, connector *model.Connector) (*model.Connector, error) {
	connector.ID = uuid.NewString()
	connector.ProjectID = projectID
	connector.Active = false
	connector.Error = nil
	connector.Certificate = nil
	connector.CertificateEndAt = nil

	factory, credential, err := c.connectorDeps(ctx, connector)
	if err != nil {
		return nil, err
	}

	if err := validation.CheckConnector(ctx, factory, credential.Config, connector); err != nil {
		return nil, err
	}

	if factory.Config().UseCertificate {
		if err := c.issueCertificate(connector); err != nil {
			return nil, err
		}
	}

	if err := c.store.CreateConnector(ctx, connector); err != nil {
		return nil, err
	}

	c.log.Info().Str("project", projectID).Str("connector", connector.ID).Str("type", connector.Type).Msg("Connector created")

	return connector, nil
}

func (c *Commander) GetConnector(ctx context.Context, projectID, id string) (*model.Connector, error) {
	return c.store.GetConnector(ctx, projectID, id)
}

func (c *Commander) ListConnectors(ctx context.Context, projectID string) ([]*model.Connector, error) {
	return c.store.ListConnectors(ctx, projectID)
}

// UpdateConnectorConfig changes a connector. The pool picks the new sizing
// up on its next pass.
func (c *Commander) UpdateConnectorConfig(ctx context.Context, projectID, id string, update ConnectorUpdate) (*model.Connector, error) {
	if err := validation.Struct(&update); err != nil {
		return nil, err
	}

	connector, err := c.store.GetConnector(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	configChanged := update.CredentialID != connector.CredentialID ||
		(update.Config != nil && !jsonEqual(update.Config, connector.Config))
	if configChanged && connector.Active {
		return nil, model.ErrConnectorActive
	}

	connector.Name = update.Name
	connector.CredentialID = update.CredentialID
	if update.Config != nil {
		connector.Config = update.Config
	}
	connector.ProxiesMax = update.ProxiesMax
	connector.ProxiesTimeoutDisconnected = update.ProxiesTimeoutDisconnected
	connector.ProxiesTimeoutUnreachable = update.ProxiesTimeoutUnreachable

	factory, credential, err := c.connectorDeps(ctx, connector)
	if err != nil {
		return nil, err
	}

	if configChanged {
		err = validation.CheckConnector(ctx, factory, credential.Config, connector)
	} else {
		err = validation.ValidateConnector(connector)
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateConnector(ctx, connector); err != nil {
		return nil, err
	}

	if connector.Active {
		c.pool.Poke(ctx, projectID, id)
	}

	return connector, nil
}

// InstallConnector starts the install task of a connector. It returns a nil
// task when the provider has no install phase.
func (c *Commander) InstallConnector(ctx context.Context, projectID, id string) (*model.Task, error) {
	return c.startTask(ctx, projectID, id, connectors.Factory.BuildInstallCommand)
}

// UninstallConnector starts the uninstall task of an inactive connector.
func (c *Commander) UninstallConnector(ctx context.Context, projectID, id string) (*model.Task, error) {
	connector, err := c.store.GetConnector(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if connector.Active {
		return nil, model.ErrConnectorActive
	}

	return c.startTask(ctx, projectID, id, connectors.Factory.BuildUninstallCommand)
}

type buildCommand func(connectors.Factory, context.Context, connectors.InstallRequest) (*model.Task, error)

func (c *Commander) startTask(ctx context.Context, projectID, id string, build buildCommand) (*model.Task, error) {
	connector, err := c.store.GetConnector(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	factory, credential, err := c.connectorDeps(ctx, connector)
	if err != nil {
		return nil, err
	}

	task, err := build(factory, ctx, connectors.InstallRequest{
		Connector:  connector,
		Credential: credential.Config,
	})
	if errors.Is(err, model.ErrNotImplemented) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tf, err := c.tasks.Get(task.Type)
	if err != nil {
		return nil, err
	}
	if tf.Validate != nil {
		if err := tf.Validate(task.Data); err != nil {
			return nil, err
		}
	}

	now := c.now().UnixMilli()
	task.ID = ""
	task.ProjectID = projectID
	task.ConnectorID = id
	task.Running = true
	task.CancelRequested = false
	task.StepCurrent = 0
	task.StepMax = tf.StepMax
	task.Retries = 0
	task.StartAtTs = now
	task.EndAtTs = nil
	task.NextRetryTs = now

	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	c.log.Info().Str("connector", id).Str("task", task.ID).Str("type", task.Type).Msg("Task created")

	return task, nil
}

// ActivateConnector lets the pool fill the connector. It is refused while
// an install task runs.
func (c *Commander) ActivateConnector(ctx context.Context, projectID, id string) (*model.Connector, error) {
	connector, err := c.store.GetConnector(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.GetRunningTask(ctx, id); err == nil {
		return nil, model.ErrConnectorInstalling
	} else if !errors.Is(err, model.ErrTaskNotFound) {
		return nil, err
	}

	if connector.Active {
		return connector, nil
	}

	factory, credential, err := c.connectorDeps(ctx, connector)
	if err != nil {
		return nil, err
	}

	if err := validation.CheckConnector(ctx, factory, credential.Config, connector); err != nil {
		return nil, err
	}

	connector.Active = true
	connector.Error = nil
	if err := c.store.UpdateConnector(ctx, connector); err != nil {
		return nil, err
	}

	c.log.Info().Str("connector", id).Msg("Connector activated")
	c.pool.Poke(ctx, projectID, id)

	return connector, nil
}

// DeactivateConnector stops filling the connector. The pool drains on the
// next pass and a running task is asked to cancel.
func (c *Commander) DeactivateConnector(ctx context.Context, projectID, id string) (*model.Connector, error) {
	connector, err := c.store.GetConnector(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	if err := c.cancelRunningTask(ctx, id); err != nil {
		return nil, err
	}

	if !connector.Active {
		return connector, nil
	}

	connector.Active = false
	if err := c.store.UpdateConnector(ctx, connector); err != nil {
		return nil, err
	}

	c.log.Info().Str("connector", id).Msg("Connector deactivated")
	c.pool.Poke(ctx, projectID, id)

	return connector, nil
}

// DeleteConnector removes an inactive connector whose pool is empty.
func (c *Commander) DeleteConnector(ctx context.Context, projectID, id string) error {
	connector, err := c.store.GetConnector(ctx, projectID, id)
	if err != nil {
		return err
	}

	if connector.Active {
		return model.ErrConnectorActive
	}

	proxies, err := c.store.ListProxies(ctx, id)
	if err != nil {
		return err
	}
	if len(proxies) > 0 {
		return model.ErrConnectorNotEmpty
	}

	if err := c.cancelRunningTask(ctx, id); err != nil {
		return err
	}

	if err := c.store.DeleteConnector(ctx, projectID, id); err != nil {
		return err
	}

	project, err := c.store.GetProject(ctx, projectID)
	if err == nil && project.ConnectorDefaultID == id {
		project.ConnectorDefaultID = ""
		if err := c.store.UpdateProject(ctx, project); err != nil {
			c.log.Error().Err(err).Str("project", projectID).Msg("Error clearing default connector")
		}
	}

	c.log.Info().Str("connector", id).Msg("Connector deleted")

	return nil
}

// Proxies

func (c *Commander) ListProxies(ctx context.Context, projectID, connectorID string) ([]*model.Proxy, error) {
	if _, err := c.store.GetConnector(ctx, projectID, connectorID); err != nil {
		return nil, err
	}

	return c.store.ListProxies(ctx, connectorID)
}

// StartedProxies is the traffic read path: proxies reached by the
// fingerprint gate and not being removed.
func (c *Commander) StartedProxies(ctx context.Context, projectID, connectorID string) ([]*model.Proxy, error) {
	if _, err := c.store.GetConnector(ctx, projectID, connectorID); err != nil {
		return nil, err
	}

	return c.pool.StartedProxies(ctx, connectorID)
}

// RemoveProxies flags proxies for removal on the next pass.
func (c *Commander) RemoveProxies(ctx context.Context, projectID, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error) {
	for i := range reqs {
		if err := validation.Struct(&reqs[i]); err != nil {
			return nil, err
		}
	}

	if _, err := c.store.GetConnector(ctx, projectID, connectorID); err != nil {
		return nil, err
	}

	marked, err := c.pool.Remove(ctx, connectorID, reqs)
	if err != nil {
		return nil, err
	}

	if len(marked) > 0 {
		c.pool.Poke(ctx, projectID, connectorID)
	}

	return marked, nil
}

func (c *Commander) cancelRunningTask(ctx context.Context, connectorID string) error {
	task, err := c.store.GetRunningTask(ctx, connectorID)
	if errors.Is(err, model.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := c.store.RequestTaskCancel(ctx, task.ID); err != nil {
		return fmt.Errorf("cancelling task %s: %w", task.ID, err)
	}

	c.log.Info().Str("connector", connectorID).Str("task", task.ID).Msg("Task cancellation requested")

	return nil
}

func (c *Commander) connectorDeps(ctx context.Context, connector *model.Connector) (connectors.Factory, *model.Credential, error) {
	factory, err := c.factory(connector.Type)
	if err != nil {
		return nil, nil, err
	}

	credential, err := c.store.GetCredential(ctx, connector.ProjectID, connector.CredentialID)
	if err != nil {
		return nil, nil, err
	}

	if credential.Type != connector.Type {
		return nil, nil, model.NewValidationError("credential type does not match connector type",
			model.FieldError{Field: "credentialId", Tag: "eqfield", Param: "type"})
	}

	return factory, credential, nil
}

func (c *Commander) issueCertificate(connector *model.Connector) error {
	cert, err := c.issuer.Issue(connector.ProjectID, connector.ID)
	if err != nil {
		return fmt.Errorf("issuing certificate: %w", err)
	}

	connector.Certificate = cert
	connector.CertificateEndAt = &cert.ExpiresAt

	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}

	return reflect.DeepEqual(va, vb)
}
