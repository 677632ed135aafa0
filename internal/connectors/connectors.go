// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yichenchong/proxyfleet/internal/model"
)

// Transport types understood by the fingerprint gate and the traffic layer.
const (
	TransportProxy       = "proxy"
	TransportSocks5      = "socks5"
	TransportDatacenter  = "datacenter"
	TransportResidential = "residential"

	// TransportOutline proxies are reached through an outline-sdk dialer
	// config carried in the transport config.
	TransportOutline = "outline"
)

type (
	// FactoryConfig is declared once per provider type.
	FactoryConfig struct {
		RefreshDelay     time.Duration
		TransportType    string
		UseCertificate   bool
		RemovingForceCap bool
	}

	// Factory is implemented by every provider adapter.
	Factory interface {
		Type() string
		Config() FactoryConfig

		// ValidateCredentialConfig checks the credential schema and may make
		// one live call. Auth failures are model.CredentialInvalidError.
		ValidateCredentialConfig(ctx context.Context, credential json.RawMessage) error

		// ValidateConnectorConfig checks the connector schema against its
		// credential. Provider rejections are model.ConnectorInvalidError.
		ValidateConnectorConfig(ctx context.Context, credential, connector json.RawMessage) error

		BuildConnectorService(ctx context.Context, snapshot Snapshot) (Service, error)

		// BuildInstallCommand and BuildUninstallCommand return
		// model.ErrNotImplemented when the provider has no install phase.
		BuildInstallCommand(ctx context.Context, req InstallRequest) (*model.Task, error)
		BuildUninstallCommand(ctx context.Context, req InstallRequest) (*model.Task, error)

		// QueryCredential answers read-only queries for configuration UIs.
		QueryCredential(ctx context.Context, credential json.RawMessage, query Query) (any, error)

		// NotFound declares how provider not-found errors are handled.
		NotFound() *NotFoundTable
	}

	// Service drives the proxies of one connector.
	Service interface {
		GetProxies(ctx context.Context, keys []string) ([]ProxyState, error)
		CreateProxies(ctx context.Context, req CreateRequest) ([]ProxyState, error)
		StartProxies(ctx context.Context, keys []string) error
		RemoveProxies(ctx context.Context, proxies []model.RemoveRequest) ([]string, error)
	}

	// Snapshot is what a service is built from.
	Snapshot struct {
		Connector  *model.Connector
		Credential json.RawMessage
	}

	InstallRequest struct {
		Connector  *model.Connector
		Credential json.RawMessage
	}

	CreateRequest struct {
		Count           int
		TotalCountAfter int
		ExcludeKeys     []string
	}

	Query struct {
		Type       string          `json:"type" validate:"required"`
		Parameters json.RawMessage `json:"parameters,omitempty"`
	}

	// ProxyState is what a provider reports for one proxy.
	ProxyState struct {
		Key              string
		Name             string
		Type             string
		TransportType    string
		Status           model.ProxyStatus
		Config           json.RawMessage
		CountryLike      *string
		RemovingForceCap bool
	}
)

// GetProxies refreshes keys. An empty list never reaches the provider.
// States for keys that were not asked for are dropped.
func GetProxies(ctx context.Context, svc Service, keys []string) ([]ProxyState, error) {
	if len(keys) == 0 {
		return []ProxyState{}, nil
	}

	states, err := svc.GetProxies(ctx, keys)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	out := make([]ProxyState, 0, len(states))
	for _, s := range states {
		if _, ok := wanted[s.Key]; ok {
			out = append(out, s)
		}
	}

	return out, nil
}

// CreateProxies provisions up to req.Count proxies and never returns an
// excluded key. A provider may return fewer proxies than requested.
func CreateProxies(ctx context.Context, svc Service, req CreateRequest) ([]ProxyState, error) {
	if req.Count <= 0 {
		return []ProxyState{}, nil
	}

	states, err := svc.CreateProxies(ctx, req)

	excluded := make(map[string]struct{}, len(req.ExcludeKeys))
	for _, k := range req.ExcludeKeys {
		excluded[k] = struct{}{}
	}

	out := make([]ProxyState, 0, len(states))
	for _, s := range states {
		if len(out) >= req.Count {
			break
		}
		if _, ok := excluded[s.Key]; ok {
			continue
		}
		excluded[s.Key] = struct{}{}
		out = append(out, s)
	}

	return out, err
}

// StartProxies resumes stopped proxies.
func StartProxies(ctx context.Context, svc Service, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	return svc.StartProxies(ctx, keys)
}

// RemoveProxies requests removal. Providers that can only hard-kill always
// receive force=true.
func RemoveProxies(ctx context.Context, svc Service, cfg FactoryConfig, proxies []model.RemoveRequest) ([]string, error) {
	if len(proxies) == 0 {
		return []string{}, nil
	}

	reqs := make([]model.RemoveRequest, len(proxies))
	for i, p := range proxies {
		reqs[i] = model.RemoveRequest{
			Key:   p.Key,
			Force: p.Force || cfg.RemovingForceCap,
		}
	}

	return svc.RemoveProxies(ctx, reqs)
}
