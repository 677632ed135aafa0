// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package residential serves sessions of a residential proxy vendor. Each
// proxy is a sticky session selected through the gateway username.
package residential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const Type = "residential"

var (
	ErrProxyAuthentication = errors.New("proxy authentication failed")
	ErrNoVendorAPI         = errors.New("credential has no api url")
)

type (
	CredentialConfig struct {
		Hostname         string `json:"hostname" validate:"required,hostname|ip"`
		Port             int    `json:"port" validate:"required,gte=1,lte=65535"`
		Scheme           string `json:"scheme,omitempty" default:"http" validate:"oneof=http socks5"`
		Username         string `json:"username" validate:"required"`
		Password         string `json:"password" validate:"required"`
		UsernameTemplate string `json:"usernameTemplate,omitempty" default:"{username}-country-{country}-session-{session}"`
		CheckURL         string `json:"checkUrl,omitempty" validate:"omitempty,url"`
		APIURL           string `json:"apiUrl,omitempty" validate:"omitempty,url"`
		APIToken         string `json:"apiToken,omitempty" validate:"required_with=APIURL"`
	}

	ConnectorConfig struct {
		Country string `json:"country,omitempty" validate:"omitempty,len=2"`
		// SessionLifetime in minutes, 0 keeps the vendor default.
		SessionLifetime int `json:"sessionLifetime,omitempty" validate:"gte=0"`
	}

	Factory struct {
		log      zerolog.Logger
		timeout  time.Duration
		retryMax int
	}
)

var _ connectors.Factory = (*Factory)(nil)

func New(log zerolog.Logger, timeout time.Duration) *Factory {
	return &Factory{
		log:      log.With().Str("connector", Type).Logger(),
		timeout:  timeout,
		retryMax: 2,
	}
}

func (f *Factory) Type() string { return Type }

func (f *Factory) Config() connectors.FactoryConfig {
	return connectors.FactoryConfig{
		RefreshDelay:  10 * time.Second,
		TransportType: connectors.TransportResidential,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(nil, nil)
}

// ValidateCredentialConfig fetches CheckURL through the gateway when set.
func (f *Factory) ValidateCredentialConfig(ctx context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	if credential.CheckURL == "" {
		return nil
	}

	if err := f.check(ctx, credential); err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	return nil
}

func (f *Factory) check(ctx context.Context, credential *CredentialConfig) error {
	username := connectors.ResidentialUsername(credential.UsernameTemplate, connectors.ResidentialSession{
		Username: credential.Username,
		Session:  connectors.RandomName(""),
	})

	proxyURL, err := url.Parse(connectors.ResidentialURL(credential.Scheme, username, credential.Password,
		credential.Hostname, credential.Port))
	if err != nil {
		return err
	}

	rc := connectors.NewRetryableClient(f.log, f.timeout, f.retryMax)
	rc.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, credential.CheckURL, nil)
	if err != nil {
		return err
	}

	resp, err := rc.Do(req)
	if err != nil {
		return fmt.Errorf("error checking gateway: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return ErrProxyAuthentication
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("check returned %d status code", resp.StatusCode)
	}

	f.log.Debug().Str("hostname", credential.Hostname).Msg("Gateway check passed")

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
		credential: credential,
		config:     cfg,
	}, nil
}

func (f *Factory) BuildInstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (f *Factory) BuildUninstallCommand(context.Context, connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

// QueryCredential answers "countries" from the vendor API.
func (f *Factory) QueryCredential(ctx context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	if query.Type != "countries" {
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "countries"})
	}

	if credential.APIURL == "" {
		return nil, model.NewValidationError(ErrNoVendorAPI.Error(),
			model.FieldError{Field: "apiUrl", Tag: "required"})
	}

	return f.countries(ctx, credential)
}

func (f *Factory) countries(ctx context.Context, credential *CredentialConfig) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(credential.APIURL, "/")+"/countries", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := connectors.NewRetryableClient(f.log, f.timeout, f.retryMax).Do(req)
	if err != nil {
		return nil, fmt.Errorf("error listing countries: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("get %d status code: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out []string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("error decoding countries: %w", err)
	}

	for i := range out {
		out[i] = strings.ToLower(out[i])
	}

	return out, nil
}
