// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package docker runs proxies as containers on a docker host.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	ctypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

const Type = "docker"

type (
	// dockerAPI is the part of the docker client the connector uses.
	dockerAPI interface {
		Ping(ctx context.Context) (types.Ping, error)
		NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)

		ContainerList(ctx context.Context, options ctypes.ListOptions) ([]ctypes.Summary, error)
		ContainerCreate(ctx context.Context, config *ctypes.Config, hostConfig *ctypes.HostConfig,
			networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (ctypes.CreateResponse, error)
		ContainerStart(ctx context.Context, containerID string, options ctypes.StartOptions) error
		ContainerStop(ctx context.Context, containerID string, options ctypes.StopOptions) error
		ContainerRemove(ctx context.Context, containerID string, options ctypes.RemoveOptions) error

		ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
		ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
		ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)

		Close() error
	}

	CredentialConfig struct {
		Host           string `json:"host" default:"unix:///var/run/docker.sock" validate:"required"`
		TargetHostname string `json:"targetHostname" default:"127.0.0.1" validate:"required"`
		RegistryAuth   string `json:"registryAuth,omitempty"`
	}

	ConnectorConfig struct {
		Image       string   `json:"image" validate:"required"`
		Port        int      `json:"port" default:"3128" validate:"gte=1,lte=65535"`
		Network     string   `json:"network" default:"bridge" validate:"required"`
		Env         []string `json:"env,omitempty"`
		Username    string   `json:"username,omitempty"`
		Password    string   `json:"password,omitempty" validate:"required_with=Username"`
		StopTimeout int      `json:"stopTimeout" default:"10" validate:"gte=0"`
		KeepImage   bool     `json:"keepImage"`
	}

	// host is one docker daemon and what was learned about it.
	host struct {
		api    dockerAPI
		bridge string
	}

	// Factory builds docker services. Clients are shared per docker host.
	Factory struct {
		log   zerolog.Logger
		dial  func(host string) (dockerAPI, error)
		now   func() time.Time
		hosts map[string]*host
		mtx   sync.Mutex
	}
)

var (
	_ connectors.Factory = (*Factory)(nil)
	_ tasks.Provider     = (*Factory)(nil)
)

func New(log zerolog.Logger) *Factory {
	return &Factory{
		log:   log.With().Str("connector", Type).Logger(),
		dial:  dial,
		now:   time.Now,
		hosts: make(map[string]*host),
	}
}

func dial(h string) (dockerAPI, error) {
	return client.NewClientWithOpts(
		client.WithHost(h),
		client.WithAPIVersionNegotiation())
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
		RefreshDelay:  5 * time.Second,
		TransportType: connectors.TransportProxy,
	}
}

func (f *Factory) NotFound() *connectors.NotFoundTable {
	return connectors.NewNotFoundTable(client.IsErrNotFound, nil)
}

// Close closes every docker client.
func (f *Factory) Close() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for name, h := range f.hosts {
		if err := h.api.Close(); err != nil {
			f.log.Warn().Err(err).Str("host", name).Msg("Error closing docker client")
		}
	}
	clear(f.hosts)
}

func (f *Factory) host(ctx context.Context, name string) (*host, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if h, ok := f.hosts[name]; ok {
		return h, nil
	}

	api, err := f.dial(name)
	if err != nil {
		return nil, fmt.Errorf("error creating docker client: %w", err)
	}

	h := &host{api: api, bridge: defaultBridgeAddress(ctx, f.log, api)}
	f.hosts[name] = h

	return h, nil
}

// defaultBridgeAddress returns the gateway of the default bridge network.
func defaultBridgeAddress(ctx context.Context, log zerolog.Logger, api dockerAPI) string {
	networks, err := api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		log.Error().Err(err).Msg("Error listing Docker networks")
		return ""
	}

	for _, n := range networks {
		if n.Options["com.docker.network.bridge.default_bridge"] == "true" && len(n.IPAM.Config) > 0 {
			log.Debug().Str("defaultIPAdress", n.IPAM.Config[0].Gateway).Msg("Default Network found")
			return strings.TrimSpace(n.IPAM.Config[0].Gateway)
		}
	}

	return ""
}

func (f *Factory) ValidateCredentialConfig(ctx context.Context, raw json.RawMessage) error {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return err
	}

	h, err := f.host(ctx, credential.Host)
	if err != nil {
		return &model.CredentialInvalidError{Err: err}
	}

	if _, err := h.api.Ping(ctx); err != nil {
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

	if cfg.Network == "bridge" || cfg.Network == "host" {
		return nil
	}

	h, err := f.host(ctx, credential.Host)
	if err != nil {
		return err
	}

	networks, err := h.api.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("name", cfg.Network))})
	if err != nil {
		return err
	}

	for _, n := range networks {
		if n.Name == cfg.Network {
			return nil
		}
	}

	return &model.ConnectorInvalidError{Err: fmt.Errorf("network %s not found", cfg.Network)}
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

	h, err := f.host(ctx, credential.Host)
	if err != nil {
		return nil, model.Transient(err)
	}

	return &service{
		log:        f.log.With().Str("connector", snapshot.Connector.ID).Logger(),
		api:        h.api,
		connector:  snapshot.Connector,
		credential: credential,
		config:     cfg,
		bridge:     h.bridge,
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

	data := pullData{
		Host:         credential.Host,
		Image:        cfg.Image,
		RegistryAuth: credential.RegistryAuth,
	}

	return tasks.NewTask(f.pullFactory(), req.Connector.ProjectID, req.Connector.ID,
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

	data := removeData{
		Host:      credential.Host,
		Image:     cfg.Image,
		KeepImage: cfg.KeepImage,
	}

	return tasks.NewTask(f.removeFactory(), req.Connector.ProjectID, req.Connector.ID,
		"Uninstalling connector...", data, f.now())
}

func (f *Factory) QueryCredential(ctx context.Context, raw json.RawMessage, query connectors.Query) (any, error) {
	credential, err := validation.Decode[CredentialConfig](raw)
	if err != nil {
		return nil, err
	}

	if query.Type != "networks" {
		return nil, model.NewValidationError(fmt.Sprintf("unknown query type %q", query.Type),
			model.FieldError{Field: "type", Tag: "oneof", Param: "networks"})
	}

	h, err := f.host(ctx, credential.Host)
	if err != nil {
		return nil, err
	}

	networks, err := h.api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(networks))
	for _, n := range networks {
		names = append(names, n.Name)
	}

	return names, nil
}

func (f *Factory) TaskFactories() []tasks.Factory {
	return []tasks.Factory{f.pullFactory(), f.removeFactory()}
}

func isNotFound(err error) bool {
	return err != nil && client.IsErrNotFound(err)
}
