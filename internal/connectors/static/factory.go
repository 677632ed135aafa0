// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package static serves proxies from a YAML list file. The file is reloaded
// when it changes: entries that disappear are reported gone on the next
// refresh and edited entries are picked up with their new address.
package static

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

const Type = "static"

type (
	CredentialConfig struct {
		Filename string `json:"filename" validate:"required"`
	}

	ConnectorConfig struct {
		// Group restricts the connector to the entries of one group.
		Group string `json:"group,omitempty"`
	}

	// Factory shares one watched list per file between connectors.
	Factory struct {
		log    zerolog.Logger
		ctx    context.Context
		cancel context.CancelFunc
		lists  map[string]*list
		mtx    sync.Mutex
	}
)

var _ connectors.Factory = (*Factory)(nil)

func New(log zerolog.Logger) *Factory {
	ctx, cancel := context.WithCancel(context.Background())

	return &Factory{
		log:    log.With().Str("connector", Type).Logger(),
		ctx:    ctx,
		cancel: cancel,
		lists:  make(map[string]*list),
	}
}

// Close stops watching the list files.
func (f *Factory) Close() {
	f.cancel()
}

func (f *Factory) Type() string { return Type }

func (f *Factory) Config() connectors.FactoryConfig {
	return connectors.FactoryConfig{
		RefreshDelay:  5 * time.Second,
		TransportType: connectors.TransportProxy,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(nil, nil)
}

// list returns the watched list of filename, opening it the first time.
func (f *Factory) list(filename string) (*list, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if l, ok := f.lists[filename]; ok {
		return l, nil
	}

	l, err := openList(f.log, filename)
	if err != nil {
		return nil, err
	}

	if err := l.watch(f.ctx); err != nil {
		f.log.Warn().Err(err).Str("file", filename).Msg("proxy list will not be reloaded")
	}

	f.lists[filename] = l

	return l, nil
}

func (f *Factory) ValidateCredentialConfig(_ context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	if _, err := f.list(credential.Filename); err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	return nil
}

func (f *Factory) ValidateConnectorConfig(_ context.Context, rawCredential, rawConnector json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](rawCredential)
	if err != nil {
		return err
	}

	cfg, err := validation.Decode[ConnectorConfig](rawConnector)
	if err != nil {
		return err
	}

	l, err := f.list(credential.Filename)
	if err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	if len(l.free(cfg.Group, nil)) == 0 {
		return &model.ConnectorInvalidError{Err: fmt.Errorf("no proxy in group %q", cfg.Group)}
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

	l, err := f.list(credential.Filename)
	if err != nil {
		return nil, err
	}

	return &service{
		log:   f.log.With().Str("connector", snapshot.Connector.ID).Logger(),
		list:  l,
		group: cfg.Group,
	}, nil
}

func (f *Factory) BuildInstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (f *Factory) BuildUninstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (f *Factory) QueryCredential(_ context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	if query.Type != "groups" {
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "groups"})
	}

	l, err := f.list(credential.Filename)
	if err != nil {
		return nil, err
	}

	return l.groups(), nil
}
