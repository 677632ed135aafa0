// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package freeproxies serves proxies scraped from public HTML proxy lists.
package freeproxies

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const Type = "freeproxies"

type (
	// Source is one page listing proxies in a table. Columns name the cells
	// of a row in order; empty names are ignored.
	Source struct {
		URL      string   `json:"url" validate:"required,url"`
		Selector string   `json:"selector,omitempty"`
		Columns  []string `json:"columns,omitempty" validate:"omitempty,dive,omitempty,oneof=host port address protocol country"`
		Protocol string   `json:"protocol,omitempty" validate:"omitempty,oneof=http socks5"`
	}

	CredentialConfig struct {
		Sources   []Source `json:"sources" validate:"required,min=1,dive"`
		UserAgent string   `json:"userAgent,omitempty"`
	}

	ConnectorConfig struct {
		Protocols []string `json:"protocols,omitempty" validate:"omitempty,dive,oneof=http socks5"`
		Countries []string `json:"countries,omitempty" validate:"omitempty,dive,len=2"`
	}

	// Factory shares one catalog per credential between connectors.
	Factory struct {
		log       zerolog.Logger
		timeout   time.Duration
		ttl       time.Duration
		retention time.Duration
		now       func() time.Time
		catalogs  map[string]*catalog
		mtx       sync.Mutex
	}
)

var _ connectors.Factory = (*Factory)(nil)

func New(log zerolog.Logger, timeout time.Duration) *Factory {
	return &Factory{
		log:       log.With().Str("connector", Type).Logger(),
		timeout:   timeout,
		ttl:       10 * time.Minute,
		retention: time.Hour,
		now:       time.Now,
		catalogs:  make(map[string]*catalog),
	}
}

func (f *Factory) Type() string { return Type }

func (f *Factory) Config() connectors.FactoryConfig {
	return connectors.FactoryConfig{
		RefreshDelay:  30 * time.Second,
		TransportType: connectors.TransportProxy,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(nil, nil)
}

func (f *Factory) catalog(credential *CredentialConfig) *catalog {
	raw, _ := json.Marshal(credential)

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if c, ok := f.catalogs[string(raw)]; ok {
		return c
	}

	c := &catalog{
		log:        f.log,
		credential: *credential,
		timeout:    f.timeout,
		ttl:        f.ttl,
		retention:  f.retention,
		now:        f.now,
		seen:       make(map[string]*listing),
	}
	f.catalogs[string(raw)] = c

	return c
}

func (f *Factory) ValidateCredentialConfig(ctx context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	if err := f.catalog(credential).refresh(ctx, true); err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	return nil
}

func (f *Factory) ValidateConnectorConfig(_ context.Context, rawCredential, rawConnector json.RawMessage) error {
	if _, err := validation.Decode[CredentialConfig](rawCredential); err != nil {
		return err
	}

	_, err := validation.Decode[ConnectorConfig](rawConnector)

	return err
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
		log:     f.log.With().Str("connector", snapshot.Connector.ID).Logger(),
		catalog: f.catalog(credential),
		config:  cfg,
	}, nil
}

func (f *Factory) BuildInstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (f *Factory) BuildUninstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

// QueryCredential answers "countries": the countries currently listed.
func (f *Factory) QueryCredential(ctx context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	if query.Type != "countries" {
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "countries"})
	}

	c := f.catalog(credential)
	if err := c.refresh(ctx, false); err != nil {
		return nil, err
	}

	return c.countries(), nil
}
