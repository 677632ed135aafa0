// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package datacenterlocal drives the datacenter-local emulator, a REST API
// handing out proxy instances built from a per-connector image.
package datacenterlocal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const Type = "datacenter-local"

type (
	CredentialConfig struct {
		URL            string `json:"url" validate:"required,url"`
		SubscriptionID string `json:"subscriptionId" validate:"required,uuid"`
	}

	ConnectorConfig struct {
		Region  string `json:"region" validate:"required"`
		Size    string `json:"size" validate:"required"`
		ImageID string `json:"imageId,omitempty"`
	}

	sizesQuery struct {
		Region string `json:"region" validate:"required"`
	}

	// Factory builds datacenter-local services and install tasks.
	Factory struct {
		log      zerolog.Logger
		timeout  time.Duration
		retryMax int
		now      func() time.Time
	}
)

var (
	_ connectors.Factory = (*Factory)(nil)
	_ tasks.Provider     = (*Factory)(nil)
)

func New(log zerolog.Logger, timeout time.Duration) *Factory {
	return &Factory{
		log:      log.With().Str("connector", Type).Logger(),
		timeout:  timeout,
		retryMax: 2,
		now:      time.Now,
	}
}

func (f *Factory) Type() string { return Type }

func (f *Factory) Config() connectors.FactoryConfig {
	return connectors.FactoryConfig{
		RefreshDelay:   2 * time.Second,
		TransportType:  connectors.TransportDatacenter,
		UseCertificate: true,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(IsNotFound, nil)
}

func (f *Factory) client(credential *CredentialConfig) *Client {
	return NewClient(f.log, credential.URL, f.timeout, f.retryMax)
}

func (f *Factory) ValidateCredentialConfig(ctx context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	if _, err := f.client(credential).GetSubscription(ctx, credential.SubscriptionID); err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	return nil
}

func (f *Factory) ValidateConnectorConfig(ctx context.Context, rawCredential, rawConnector json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](rawCredential)
	if err != nil {
		return err
	}

	cfg, err := validation.Decode[ConnectorConfig](rawConnector)
	if err != nil {
		return err
	}

	client := f.client(credential)
	if _, err := client.GetRegion(ctx, cfg.Region); err != nil {
		return &model.ConnectorInvalidError{Err: err}
	}
	if _, err := client.GetRegionSize(ctx, cfg.Region, cfg.Size); err != nil {
		return &model.ConnectorInvalidError{Err: err}
	}

	return nil
}

func (f *Factory) BuildConnectorService(_ context.Context, snapshot connectors.Snapshot) (connectors.Service, error) {
	credential, err := validation.Decode[CredentialConfig](snapshot.Credential)
	if err != nil {
		return nil, err
	}

	cfg, err := validation.Decode[ConnectorConfig](snapshot.Connector.Config)
	if err != nil {
		return nil, err
	}

	return &service{
		client:         f.client(credential),
		subscriptionID: credential.SubscriptionID,
		config:         cfg,
		certificate:    snapshot.Connector.Certificate,
	}, nil
}

func (f *Factory) BuildInstallCommand(_ context.Context, req connectors.InstallRequest) (*model.Task, error) {
	if req.Connector.Certificate == nil {
		return nil, &model.ConnectorCertificateNotFoundError{ConnectorID: req.Connector.ID}
	}

	credential, err := validation.Decode[CredentialConfig](req.Credential)
	if err != nil {
		return nil, err
	}

	cfg, err := validation.Decode[ConnectorConfig](req.Connector.Config)
	if err != nil {
		return nil, err
	}

	data := installData{
		URL:            credential.URL,
		SubscriptionID: credential.SubscriptionID,
		Region:         cfg.Region,
		Certificate:    req.Connector.Certificate,
	}

	return tasks.NewTask(f.installFactory(), req.Connector.ProjectID, req.Connector.ID,
		"Installing connector...", data, f.now())
}

func (f *Factory) BuildUninstallCommand(_ context.Context, req connectors.InstallRequest) (*model.Task, error) {
	credential, err := validation.Decode[CredentialConfig](req.Credential)
	if err != nil {
		return nil, err
	}

	cfg, err := validation.Decode[ConnectorConfig](req.Connector.Config)
	if err != nil {
		return nil, err
	}

	data := uninstallData{
		URL:            credential.URL,
		SubscriptionID: credential.SubscriptionID,
		Region:         cfg.Region,
		ImageID:        cfg.ImageID,
	}

	return tasks.NewTask(f.uninstallFactory(), req.Connector.ProjectID, req.Connector.ID,
		"Uninstalling connector...", data, f.now())
}

func (f *Factory) QueryCredential(ctx context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	client := f.client(credential)

	switch query.Type {
	case "regions":
		return client.GetAllRegions(ctx)

	case "sizes":
		params, err := validation.Decode[sizesQuery](query.Parameters)
		if err != nil {
			return nil, err
		}
		return client.GetAllRegionSizes(ctx, params.Region)

	default:
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "regions sizes"})
	}
}

// TaskFactories declares the install and uninstall tasks.
func (f *Factory) TaskFactories() []tasks.Factory {
	return []tasks.Factory{f.installFactory(), f.uninstallFactory()}
}
