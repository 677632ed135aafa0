// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	ctypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

type service struct {
	log        zerolog.Logger
	api        dockerAPI
	connector  *model.Connector
	credential *CredentialConfig
	config     *ConnectorConfig
	bridge     string
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(ctx context.Context, keys []string) ([]connectors.ProxyState, error) {
	containers, err := s.api.ContainerList(ctx, ctypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelConnector+"="+s.connector.ID)),
	})
	if err != nil {
		return nil, fmt.Errorf("error listing containers: %w", err)
	}

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	out := make([]connectors.ProxyState, 0, len(keys))
	for _, summary := range containers {
		c := s.newContainer(summary)
		if _, ok := wanted[c.key()]; ok {
			out = append(out, c.proxyState(s.config))
		}
	}

	return out, nil
}

// CreateProxies creates and starts one container per proxy. Containers
// created before an error are returned with the error.
func (s *service) CreateProxies(ctx context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(s.config.Port))
	if err != nil {
		return nil, err
	}

	out := make([]connectors.ProxyState, 0, req.Count)
	for range req.Count {
		name := connectors.RandomName("proxyfleet")

		if err := s.createContainer(ctx, name, port); err != nil {
			return out, err
		}

		s.log.Info().Str("container", name).Msg("Container created")

		out = append(out, connectors.ProxyState{
			Key:           name,
			Name:          name,
			Type:          Type,
			TransportType: connectors.TransportProxy,
			Status:        model.ProxyStatusStarting,
		})
	}

	return out, nil
}

func (s *service) createContainer(ctx context.Context, name string, port nat.Port) error {
	cfg := &ctypes.Config{
		Image: s.config.Image,
		Env:   s.config.Env,
		Labels: map[string]string{
			LabelConnector: s.connector.ID,
			LabelProject:   s.connector.ProjectID,
			LabelKey:       name,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &ctypes.HostConfig{
		NetworkMode: ctypes.NetworkMode(s.config.Network),
	}
	if !hostCfg.NetworkMode.IsHost() {
		// empty HostPort lets docker pick a free port
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}}
	}

	created, err := s.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("error creating container %s: %w", name, err)
	}

	if err := s.api.ContainerStart(ctx, created.ID, ctypes.StartOptions{}); err != nil {
		return fmt.Errorf("error starting container %s: %w", name, err)
	}

	return nil
}

func (s *service) StartProxies(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		err := s.api.ContainerStart(ctx, key, ctypes.StartOptions{})
		if err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("error starting container %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// RemoveProxies stops then removes containers. Forced removals kill them.
func (s *service) RemoveProxies(ctx context.Context, reqs []model.RemoveRequest) ([]string, error) {
	removed := make([]string, 0, len(reqs))

	var errs []error
	for _, r := range reqs {
		if !r.Force {
			timeout := s.config.StopTimeout
			if err := s.api.ContainerStop(ctx, r.Key, ctypes.StopOptions{Timeout: &timeout}); err != nil && !isNotFound(err) {
				errs = append(errs, fmt.Errorf("error stopping container %s: %w", r.Key, err))
				continue
			}
		}

		err := s.api.ContainerRemove(ctx, r.Key, ctypes.RemoveOptions{Force: r.Force})
		if err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("error removing container %s: %w", r.Key, err))
			continue
		}

		removed = append(removed, r.Key)
	}

	return removed, errors.Join(errs...)
}

func (s *service) newContainer(summary ctypes.Summary) *container {
	return newContainer(s.log, summary,
		withDefaultBridgeAddress(s.bridge),
		withDefaultTargetHostname(s.credential.TargetHostname),
	)
}
