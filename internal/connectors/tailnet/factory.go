// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package tailnet serves proxies running on devices of a tailnet, such as a
// farm of 4G modems. Devices are selected by tag and are never created or
// destroyed: removing a proxy reboots its device.
package tailnet

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"tailscale.com/client/tailscale/v2"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const (
	Type      = "tailnet"
	userAgent = "proxyfleet"
)

var ErrNoTaggedDevice = errors.New("no device with this tag")

type (
	// CredentialConfig authenticates with an API key or an OAuth client.
	CredentialConfig struct {
		Tailnet      string `json:"tailnet,omitempty" default:"-"`
		APIKey       string `json:"apiKey,omitempty" validate:"required_without=ClientID"`
		ClientID     string `json:"clientId,omitempty" validate:"required_without=APIKey"`
		ClientSecret string `json:"clientSecret,omitempty" validate:"required_with=ClientID"`
		BaseURL      string `json:"baseUrl,omitempty" validate:"omitempty,url"`
	}

	ConnectorConfig struct {
		Tag      string `json:"tag" validate:"required,startswith=tag:"`
		Port     int    `json:"port,omitempty" default:"3128" validate:"gte=1,lte=65535"`
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty" validate:"required_with=Username"`
		// AgentPort is where the device agent accepts reboot and rotate
		// requests. Without it devices are only released.
		AgentPort int `json:"agentPort,omitempty" validate:"omitempty,gte=1,lte=65535"`
	}

	authKeyQuery struct {
		Tags      []string `json:"tags" validate:"required,min=1,dive,startswith=tag:"`
		Ephemeral bool     `json:"ephemeral,omitempty"`
	}

	Factory struct {
		log          zerolog.Logger
		timeout      time.Duration
		offlineAfter time.Duration
		now          func() time.Time
	}
)

var _ connectors.Factory = (*Factory)(nil)

func New(log zerolog.Logger, timeout time.Duration) *Factory {
	return &Factory{
		log:          log.With().Str("connector", Type).Logger(),
		timeout:      timeout,
		offlineAfter: 5 * time.Minute,
		now:          time.Now,
	}
}

func (f *Factory) Type() string { return Type }

func (f *Factory) Config() connectors.FactoryConfig {
	return connectors.FactoryConfig{
		RefreshDelay:     10 * time.Second,
		TransportType:    connectors.TransportProxy,
		RemovingForceCap: true,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(tailscale.IsNotFound, nil)
}

func (f *Factory) client(credential *CredentialConfig) (*tailscale.Client, error) {
	c := &tailscale.Client{
		Tailnet:   credential.Tailnet,
		UserAgent: userAgent,
		APIKey:    credential.APIKey,
		HTTP:      &http.Client{Timeout: f.timeout},
	}

	if credential.BaseURL != "" {
		u, err := url.Parse(credential.BaseURL)
		if err != nil {
			return nil, err
		}
		c.BaseURL = u
	}

	if credential.ClientID != "" {
		c.APIKey = ""
		c.HTTP = tailscale.OAuthConfig{
			ClientID:     credential.ClientID,
			ClientSecret: credential.ClientSecret,
			Scopes:       []string{"devices:core", "auth_keys"},
			BaseURL:      credential.BaseURL,
		}.HTTPClient()
		c.HTTP.Timeout = f.timeout
	}

	return c, nil
}

func (f *Factory) ValidateCredentialConfig(ctx context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	client, err := f.client(credential)
	if err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	if _, err := client.Devices().List(ctx); err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	return nil
}

// ValidateConnectorConfig requires at least one device with the tag.
func (f *Factory) ValidateConnectorConfig(ctx context.Context, rawCredential, rawConnector json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](rawCredential)
	if err != nil {
		return err
	}

	cfg, err := validation.Decode[ConnectorConfig](rawConnector)
	if err != nil {
		return err
	}

	client, err := f.client(credential)
	if err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	devices, err := taggedDevices(ctx, client, cfg.Tag)
	if err != nil {
		return &model.ConnectorInvalidError{Err: err}
	}
	if len(devices) == 0 {
		return &model.ConnectorInvalidError{Err: fmt.Errorf("%w: %s", ErrNoTaggedDevice, cfg.Tag)}
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

	client, err := f.client(credential)
	if err != nil {
		return nil, err
	}

	return &service{
		log:          f.log.With().Str("connector", snapshot.Connector.ID).Logger(),
		client:       client,
		agent:        connectors.NewRetryableClient(f.log, f.timeout, 1),
		config:       cfg,
		offlineAfter: f.offlineAfter,
		now:          f.now,
	}, nil
}

func (f *Factory) BuildInstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (f *Factory) BuildUninstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

// QueryCredential answers "tags", the tags in use on the tailnet, and
// "authkey", a preauthorized key to enroll new devices.
func (f *Factory) QueryCredential(ctx context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	client, err := f.client(credential)
	if err != nil {
		return nil, err
	}

	switch query.Type {
	case "tags":
		devices, err := client.Devices().List(ctx)
		if err != nil {
			return nil, err
		}

		tags := []string{}
		for _, d := range devices {
			for _, t := range d.Tags {
				if !slices.Contains(tags, t) {
					tags = append(tags, t)
				}
			}
		}
		slices.Sort(tags)

		return tags, nil

	case "authkey":
		params, err := validation.Decode[authKeyQuery](query.Parameters)
		if err != nil {
			return nil, err
		}

		return f.createAuthKey(ctx, client, params)

	default:
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "tags authkey"})
	}
}

func (f *Factory) createAuthKey(ctx context.Context, client *tailscale.Client, params *authKeyQuery) (string, error) {
	capabilities := tailscale.KeyCapabilities{}
	capabilities.Devices.Create.Ephemeral = params.Ephemeral
	capabilities.Devices.Create.Reusable = false
	capabilities.Devices.Create.Preauthorized = true
	capabilities.Devices.Create.Tags = params.Tags

	key, err := client.Keys().CreateAuthKey(ctx, tailscale.CreateKeyRequest{
		Capabilities: capabilities,
		Description:  "proxyfleet",
	})
	if err != nil {
		return "", fmt.Errorf("unable to create auth key: %w", err)
	}

	f.log.Info().Strs("tags", params.Tags).Msg("Auth key created")

	return key.Key, nil
}

// taggedDevices lists devices carrying tag, sorted by name.
func taggedDevices(ctx context.Context, client *tailscale.Client, tag string) ([]tailscale.Device, error) {
	devices, err := client.Devices().List(ctx)
	if err != nil {
		return nil, err
	}

	out := slices.DeleteFunc(devices, func(d tailscale.Device) bool {
		return !slices.Contains(d.Tags, tag)
	})
	slices.SortFunc(out, func(a, b tailscale.Device) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.NodeID, b.NodeID))
	})

	return out, nil
}
