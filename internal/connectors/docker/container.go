// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package docker

import (
	"strconv"
	"strings"

	ctypes "github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

const (
	LabelConnector = "proxyfleet.connector"
	LabelProject   = "proxyfleet.project"
	LabelKey       = "proxyfleet.key"
)

type (
	// container holds what a proxy needs from a docker container.
	container struct {
		log                   zerolog.Logger
		ports                 map[string]string
		labels                map[string]string
		id                    string
		name                  string
		state                 string
		networkMode           ctypes.NetworkMode
		defaultBridgeAddress  string
		defaultTargetHostname string
	}

	ContainerOption func(*container)
)

func newContainer(logger zerolog.Logger, summary ctypes.Summary, opts ...ContainerOption) *container {
	name := summary.ID
	if len(summary.Names) > 0 {
		name = strings.TrimLeft(summary.Names[0], "/")
	}

	c := &container{
		log:         logger.With().Str("container", name).Logger(),
		id:          summary.ID,
		name:        name,
		state:       summary.State,
		labels:      summary.Labels,
		networkMode: ctypes.NetworkMode(summary.HostConfig.NetworkMode),
		ports:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	for _, p := range summary.Ports {
		if p.PublicPort == 0 {
			continue
		}
		c.ports[strconv.Itoa(int(p.PrivatePort))] = strconv.Itoa(int(p.PublicPort))
	}

	return c
}

// key is the pool key of the container, its name unless labelled otherwise.
func (c *container) key() string {
	if k, ok := c.labels[LabelKey]; ok && k != "" {
		return k
	}
	return c.name
}

// getPublishedPort returns the host port bound to internalPort.
func (c *container) getPublishedPort(internalPort string) string {
	for internal, published := range c.ports {
		if internal == internalPort {
			return published
		}
	}

	return ""
}

// address returns where the proxy of the container listens, from the host
// point of view.
func (c *container) address(internalPort int) (string, int, bool) {
	internal := strconv.Itoa(internalPort)

	if c.networkMode.IsHost() {
		hostname := c.defaultTargetHostname
		if hostname == "" {
			hostname = c.defaultBridgeAddress
		}
		return hostname, internalPort, hostname != ""
	}

	published := c.getPublishedPort(internal)
	if published == "" {
		c.log.Debug().Str("port", internal).Msg("No published port yet")
		return "", 0, false
	}

	port, err := strconv.Atoi(published)
	if err != nil {
		return "", 0, false
	}

	return c.defaultTargetHostname, port, true
}

func (c *container) proxyState(cfg *ConnectorConfig) connectors.ProxyState {
	s := connectors.ProxyState{
		Key:           c.key(),
		Name:          c.name,
		Type:          Type,
		TransportType: connectors.TransportProxy,
		Status:        convertState(c.state),
	}

	if hostname, port, ok := c.address(cfg.Port); ok {
		s.Config = connectors.TransportConfig(hostname, port, cfg.auth(), nil)
	}

	return s
}

// convertState maps a docker container state to a proxy status.
func convertState(state string) model.ProxyStatus {
	switch state {
	case ctypes.StateCreated, ctypes.StateRestarting:
		return model.ProxyStatusStarting
	case ctypes.StateRunning:
		return model.ProxyStatusStarted
	case ctypes.StateRemoving:
		return model.ProxyStatusStopping
	case ctypes.StateExited, ctypes.StatePaused:
		return model.ProxyStatusStopped
	default:
		return model.ProxyStatusError
	}
}

func withDefaultBridgeAddress(address string) ContainerOption {
	return func(c *container) {
		c.defaultBridgeAddress = address
	}
}

func withDefaultTargetHostname(hostname string) ContainerOption {
	return func(c *container) {
		c.defaultTargetHostname = hostname
	}
}
