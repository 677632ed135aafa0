// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package commander holds the user facing operations on projects,
// credentials, connectors and tasks.
package commander

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/storage"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

type (
	// Pool is the part of the pool manager the commander drives.
	Pool interface {
		Poke(ctx context.Context, projectID, connectorID string)
		Remove(ctx context.Context, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error)
		StartedProxies(ctx context.Context, connectorID string) ([]*model.Proxy, error)
	}

	// CertIssuer mints connector certificates.
	CertIssuer interface {
		Issue(projectID, commonName string) (*model.Certificate, error)
	}

	Commander struct {
		log        zerolog.Logger
		store      storage.Store
		connectors *connectors.Registry
		tasks      *tasks.Registry
		pool       Pool
		issuer     CertIssuer
		now        func() time.Time
	}

	// ProjectUpdate holds the writable fields of a project.
	ProjectUpdate struct {
		Name               string              `json:"name" validate:"required,max=64"`
		Status             model.ProjectStatus `json:"status" validate:"oneof=OFF CALM HOT"`
		ConnectorDefaultID string              `json:"connectorDefaultId"`
		ProxiesMin         int                 `json:"proxiesMin" validate:"gte=0"`
		AutoRotate         model.AutoRotate    `json:"autoRotate"`
		AutoScaleUp        bool                `json:"autoScaleUp"`
		AutoScaleDown      model.AutoScaleDown `json:"autoScaleDown"`
	}
)

var _ tasks.Host = (*Commander)(nil)

func New(log zerolog.Logger, store storage.Store, cr *connectors.Registry, tr *tasks.Registry,
	pool Pool, issuer CertIssuer,
) *Commander {
	return &Commander{
		log:        log.With().Str("module", "commander").Logger(),
		store:      store,
		connectors: cr,
		tasks:      tr,
		pool:       pool,
		issuer:     issuer,
		now:        time.Now,
	}
}

// Projects

func (c *Commander) CreateProject(ctx context.Context, project *model.Project) (*model.Project, error) {
	if project.Status == "" {
		project.Status = model.ProjectStatusCalm
	}
	project.ID = ""
	project.ConnectorDefaultID = ""
	project.LastDataTs = c.now().UnixMilli()

	if err := validation.Struct(project); err != nil {
		return nil, err
	}

	if err := c.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	c.log.Info().Str("project", project.ID).Str("name", project.Name).Msg("Project created")

	return project, nil
}

func (c *Commander) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return c.store.GetProject(ctx, id)
}

func (c *Commander) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return c.store.ListProjects(ctx)
}

func (c *Commander) UpdateProject(ctx context.Context, id string, update ProjectUpdate) (*model.Project, error) {
	if err := validation.Struct(&update); err != nil {
		return nil, err
	}

	project, err := c.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.ConnectorDefaultID != "" && update.ConnectorDefaultID != project.ConnectorDefaultID {
		if _, err := c.store.GetConnector(ctx, id, update.ConnectorDefaultID); err != nil {
			return nil, err
		}
	}

	project.Name = update.Name
	project.Status = update.Status
	project.ConnectorDefaultID = update.ConnectorDefaultID
	project.ProxiesMin = update.ProxiesMin
	project.AutoRotate = update.AutoRotate
	project.AutoScaleUp = update.AutoScaleUp
	project.AutoScaleDown = update.AutoScaleDown

	if err := validation.Struct(project); err != nil {
		return nil, err
	}

	if err := c.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}

	c.pokeProject(ctx, id)

	return project, nil
}

// SetProjectStatus switches a project between OFF, CALM and HOT.
func (c *Commander) SetProjectStatus(ctx context.Context, id string, status model.ProjectStatus) (*model.Project, error) {
	project, err := c.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	project.Status = status
	if status == model.ProjectStatusHot {
		project.LastDataTs = c.now().UnixMilli()
	}

	if err := validation.Struct(project); err != nil {
		return nil, err
	}

	if err := c.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}

	c.log.Info().Str("project", id).Str("status", string(status)).Msg("Project status changed")
	c.pokeProject(ctx, id)

	return project, nil
}

// RecordProjectActivity notes traffic on a project. A CALM project with
// auto scale-up switches to HOT.
func (c *Commander) RecordProjectActivity(ctx context.Context, id string) error {
	project, err := c.store.GetProject(ctx, id)
	if err != nil {
		return err
	}

	project.LastDataTs = c.now().UnixMilli()

	scaleUp := project.Status == model.ProjectStatusCalm && project.AutoScaleUp
	if scaleUp {
		project.Status = model.ProjectStatusHot
	}

	if err := c.store.UpdateProject(ctx, project); err != nil {
		return err
	}

	if scaleUp {
		c.log.Info().Str("project", id).Msg("Project scaled up")
		c.pokeProject(ctx, id)
	}

	return nil
}

func (c *Commander) pokeProject(ctx context.Context, projectID string) {
	list, err := c.store.ListConnectors(ctx, projectID)
	if err != nil {
		c.log.Error().Err(err).Str("project", projectID).Msg("Error listing connectors")
		return
	}

	for _, connector := range list {
		if connector.Active {
			c.pool.Poke(ctx, projectID, connector.ID)
		}
	}
}

// Credentials

func (c *Commander) CreateCredential(ctx context.Context, projectID string, credential *model.Credential) (*model.Credential, error) {
	credential.ID = ""
	credential.ProjectID = projectID

	if err := validation.Struct(credential); err != nil {
		return nil, err
	}

	factory, err := c.factory(credential.Type)
	if err != nil {
		return nil, err
	}

	if err := validation.CheckCredential(ctx, factory, credential.Config); err != nil {
		return nil, err
	}

	if err := c.store.CreateCredential(ctx, credential); err != nil {
		return nil, err
	}

	c.log.Info().Str("project", projectID).Str("credential", credential.ID).Str("type", credential.Type).Msg("Credential created")

	return credential, nil
}

func (c *Commander) GetCredential(ctx context.Context, projectID, id string) (*model.Credential, error) {
	return c.store.GetCredential(ctx, projectID, id)
}

func (c *Commander) ListCredentials(ctx context.Context, projectID string) ([]*model.Credential, error) {
	return c.store.ListCredentials(ctx, projectID)
}

// QueryCredential forwards a read-only query to the provider. Providers
// without queries answer model.ErrNotImplemented.
func (c *Commander) QueryCredential(ctx context.Context, projectID, id string, query connectors.Query) (any, error) {
	if err := validation.Struct(&query); err != nil {
		return nil, err
	}

	credential, err := c.store.GetCredential(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	factory, err := c.factory(credential.Type)
	if err != nil {
		return nil, err
	}

	return factory.QueryCredential(ctx, credential.Config, query)
}

// Tasks

func (c *Commander) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return c.store.GetTask(ctx, id)
}

func (c *Commander) ListTasks(ctx context.Context, connectorID string) ([]*model.Task, error) {
	return c.store.ListTasks(ctx, connectorID)
}

// CancelTask asks the scheduler to abort a task on its next poll.
func (c *Commander) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := c.store.RequestTaskCancel(ctx, id)
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("task", id).Msg("Task cancellation requested")

	return task, nil
}

// Host

func (c *Commander) GetConnectorByID(ctx context.Context, projectID, connectorID string) (*model.Connector, error) {
	return c.store.GetConnector(ctx, projectID, connectorID)
}

func (c *Commander) UpdateConnector(ctx context.Context, connector *model.Connector) error {
	return c.store.UpdateConnector(ctx, connector)
}

func (c *Commander) GetCertificate(ctx context.Context, projectID, connectorID string) (*model.Certificate, error) {
	connector, err := c.store.GetConnector(ctx, projectID, connectorID)
	if err != nil {
		return nil, err
	}

	if connector.Certificate == nil {
		return nil, &model.ConnectorCertificateNotFoundError{ConnectorID: connectorID}
	}

	return connector.Certificate, nil
}

func (c *Commander) factory(connectorType string) (connectors.Factory, error) {
	f, err := c.connectors.Get(connectorType)
	if err != nil {
		if errors.Is(err, connectors.ErrConnectorTypeNotFound) {
			return nil, model.NewValidationError(fmt.Sprintf("unknown connector type %q", connectorType),
				model.FieldError{Field: "type", Tag: "oneof"})
		}
		return nil, err
	}

	return f, nil
}
