// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package vultr runs proxies on Vultr cloud instances.
package vultr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vultr/govultr/v3"
	"golang.org/x/oauth2"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const (
	Type = "vultr"

	userAgent = "proxyfleet-vultr"
	perPage   = 100
)

type (
	CredentialConfig struct {
		APIKey string `json:"apiKey" validate:"required"`
		// BaseURL overrides the public API endpoint.
		BaseURL string `json:"baseUrl,omitempty" validate:"omitempty,url"`
	}

	ConnectorConfig struct {
		Region          string `json:"region" validate:"required"`
		Plan            string `json:"plan" validate:"required"`
		OsID            int    `json:"osId,omitempty" validate:"required_without=SnapshotID"`
		SnapshotID      string `json:"snapshotId,omitempty"`
		Port            int    `json:"port" default:"3128" validate:"gte=1,lte=65535"`
		Username        string `json:"username,omitempty"`
		Password        string `json:"password,omitempty" validate:"required_with=Username"`
		FirewallGroupID string `json:"firewallGroupId,omitempty"`
	}

	plansQuery struct {
		Type string `json:"type" default:"vc2"`
	}

	// Factory builds Vultr services and firewall tasks.
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
		retryMax: 3,
		now:      time.Now,
	}
}

func (c *ConnectorConfig) auth() *model.Auth {
	if c.Username == "" {
		return nil
	}
	return &model.Auth{Username: c.Username, Password: c.Password}
}

func (f *Factory) Type() string { return Type }

func (f *Factory) Config() connectors.FactoryConfig {
	return connectors.FactoryConfig{
		RefreshDelay:  10 * time.Second,
		TransportType: connectors.TransportProxy,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(IsNotFound, nil)
}

// client returns an API client authenticated with the credential key.
func (f *Factory) client(ctx context.Context, credential *CredentialConfig) (*govultr.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential.APIKey})

	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = f.timeout

	c := govultr.NewClient(hc)
	c.SetUserAgent(userAgent)
	c.SetRetryLimit(f.retryMax)

	if credential.BaseURL != "" {
		if err := c.SetBaseURL(credential.BaseURL); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (f *Factory) ValidateCredentialConfig(ctx context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	c, err := f.client(ctx, credential)
	if err != nil {
		return err
	}

	if _, _, err := c.Account.Get(ctx); err != nil {
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

	c, err := f.client(ctx, credential)
	if err != nil {
		return err
	}

	regions, err := listRegions(ctx, c)
	if err != nil {
		return err
	}
	if !hasRegion(regions, cfg.Region) {
		return &model.ConnectorInvalidError{Err: fmt.Errorf("region %s not found", cfg.Region)}
	}

	plans, err := listPlans(ctx, c, "")
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.ID != cfg.Plan {
			continue
		}
		for _, l := range p.Locations {
			if l == cfg.Region {
				return nil
			}
		}
		return &model.ConnectorInvalidError{Err: fmt.Errorf("plan %s is not available in region %s", cfg.Plan, cfg.Region)}
	}

	return &model.ConnectorInvalidError{Err: fmt.Errorf("plan %s not found", cfg.Plan)}
}

func (f *Factory) BuildConnectorService(ctx context.Context, snapshot connectors.Snapshot) (connectors.Service, error) {
	credential, err := validation.Decode[CredentialConfig](snapshot.Credential)
	if err != nil {
		return nil, err
	}

	cfg, err := validation.Decode[ConnectorConfig](snapshot.Connector.Config)
	if err != nil {
		return nil, err
	}

	c, err := f.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	return &service{
		log:       f.log.With().Str("connector", snapshot.Connector.ID).Logger(),
		client:    c,
		connector: snapshot.Connector,
		config:    cfg,
	}, nil
}

func (f *Factory) BuildInstallCommand(_ context.Context, req connectors.InstallRequest) (*model.Task, error) {
	credential, err := validation.Decode[CredentialConfig](req.Credential)
	if err != nil {
		return nil, err
	}

	cfg, err := validation.Decode[ConnectorConfig](req.Connector.Config)
	if err != nil {
		return nil, err
	}

	data := firewallData{
		APIKey:      credential.APIKey,
		BaseURL:     credential.BaseURL,
		Description: Tag(req.Connector.ID),
		Port:        cfg.Port,
	}

	return tasks.NewTask(f.firewallCreateFactory(), req.Connector.ProjectID, req.Connector.ID,
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

	data := firewallData{
		APIKey:  credential.APIKey,
		BaseURL: credential.BaseURL,
		GroupID: cfg.FirewallGroupID,
		Port:    cfg.Port,
	}

	return tasks.NewTask(f.firewallRemoveFactory(), req.Connector.ProjectID, req.Connector.ID,
		"Uninstalling connector...", data, f.now())
}

func (f *Factory) QueryCredential(ctx context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	c, err := f.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	switch query.Type {
	case "regions":
		return listRegions(ctx, c)

	case "plans":
		params := &plansQuery{Type: "vc2"}
		if len(query.Parameters) > 0 {
			if params, err = validation.Decode[plansQuery](query.Parameters); err != nil {
				return nil, err
			}
		}
		return listPlans(ctx, c, params.Type)

	default:
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "regions plans"})
	}
}

func (f *Factory) TaskFactories() []tasks.Factory {
	return []tasks.Factory{f.firewallCreateFactory(), f.firewallRemoveFactory()}
}

// Tag marks the instances of a connector.
func Tag(connectorID string) string {
	return "proxyfleet-" + connectorID
}

// IsNotFound reports whether err is a Vultr 404 answer. The client returns
// the response body as the error text.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if json.Unmarshal([]byte(err.Error()), &body) != nil {
		return false
	}

	return body.Status == http.StatusNotFound
}

func listRegions(ctx context.Context, c *govultr.Client) ([]govultr.Region, error) {
	var out []govultr.Region

	opts := &govultr.ListOptions{PerPage: perPage}
	for {
		regions, meta, _, err := c.Region.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("error listing regions: %w", err)
		}
		out = append(out, regions...)

		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			return out, nil
		}
		opts.Cursor = meta.Links.Next
	}
}

func listPlans(ctx context.Context, c *govultr.Client, planType string) ([]govultr.Plan, error) {
	var out []govultr.Plan

	opts := &govultr.ListOptions{PerPage: perPage}
	for {
		plans, meta, _, err := c.Plan.List(ctx, planType, opts)
		if err != nil {
			return nil, fmt.Errorf("error listing plans: %w", err)
		}
		out = append(out, plans...)

		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			return out, nil
		}
		opts.Cursor = meta.Links.Next
	}
}

func hasRegion(regions []govultr.Region, id string) bool {
	for _, r := range regions {
		if r.ID == id {
			return true
		}
	}
	return false
}
