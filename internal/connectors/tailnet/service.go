// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package tailnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"tailscale.com/client/tailscale/v2"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

type service struct {
	log          zerolog.Logger
	client       *tailscale.Client
	agent        *retryablehttp.Client
	config       *ConnectorConfig
	offlineAfter time.Duration
	now          func() time.Time
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(ctx context.Context, keys []string) ([]connectors.ProxyState, error) {
	devices, err := taggedDevices(ctx, s.client, s.config.Tag)
	if err != nil {
		return nil, err
	}

	out := make([]connectors.ProxyState, 0, len(keys))
	for _, d := range devices {
		if slices.Contains(keys, d.NodeID) {
			out = append(out, s.proxyState(d))
		}
	}

	return out, nil
}

func (s *service) CreateProxies(ctx context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	devices, err := taggedDevices(ctx, s.client, s.config.Tag)
	if err != nil {
		return nil, err
	}

	out := make([]connectors.ProxyState, 0, req.Count)
	for _, d := range devices {
		if len(out) >= req.Count {
			break
		}
		if !d.Authorized || slices.Contains(req.ExcludeKeys, d.NodeID) {
			continue
		}
		out = append(out, s.proxyState(d))
	}

	if len(out) < req.Count {
		s.log.Warn().Int("requested", req.Count).Int("available", len(out)).Msg("Not enough free devices")
	}

	return out, nil
}

func (s *service) StartProxies(context.Context, []string) error {
	return nil
}

// RemoveProxies reboots forced devices and rotates the others through the
// device agent. Devices are released even when the agent does not answer.
func (s *service) RemoveProxies(ctx context.Context, reqs []model.RemoveRequest) ([]string, error) {
	if s.config.AgentPort == 0 {
		out := make([]string, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, r.Key)
		}
		return out, nil
	}

	devices, err := taggedDevices(ctx, s.client, s.config.Tag)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		i := slices.IndexFunc(devices, func(d tailscale.Device) bool { return d.NodeID == r.Key })
		if i < 0 {
			continue
		}
		d := devices[i]

		g.Go(func() error {
			action := "rotate"
			if r.Force {
				action = "reboot"
			}

			if err := s.callAgent(gctx, d, action); err != nil {
				s.log.Warn().Err(err).Str("device", d.Name).Str("action", action).Msg("Device agent did not answer")
			}

			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Key)
	}

	return out, nil
}

func (s *service) callAgent(ctx context.Context, d tailscale.Device, action string) error {
	addr, ok := address(d)
	if !ok {
		return fmt.Errorf("device %s has no address", d.Name)
	}

	u := fmt.Sprintf("http://%s/%s", net.JoinHostPort(addr, strconv.Itoa(s.config.AgentPort)), action)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}

	resp, err := s.agent.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New(resp.Status)
	}

	s.log.Info().Str("device", d.Name).Str("action", action).Msg("Device agent called")

	return nil
}

func (s *service) proxyState(d tailscale.Device) connectors.ProxyState {
	p := connectors.ProxyState{
		Key:           d.NodeID,
		Name:          d.Name,
		Type:          Type,
		TransportType: connectors.TransportProxy,
		Status:        s.convertStatus(d),
	}

	if addr, ok := address(d); ok {
		var auth *model.Auth
		if s.config.Username != "" {
			auth = &model.Auth{Username: s.config.Username, Password: s.config.Password}
		}
		p.Config = connectors.TransportConfig(addr, s.config.Port, auth, nil)
	}

	return p
}

func (s *service) convertStatus(d tailscale.Device) model.ProxyStatus {
	switch {
	case !d.Authorized:
		return model.ProxyStatusStopped
	case !d.KeyExpiryDisabled && !d.Expires.IsZero() && d.Expires.Before(s.now()):
		return model.ProxyStatusError
	case s.now().Sub(d.LastSeen.Time) <= s.offlineAfter:
		return model.ProxyStatusStarted
	default:
		return model.ProxyStatusStarting
	}
}

// address returns the first IPv4 tailnet address of d.
func address(d tailscale.Device) (string, bool) {
	for _, a := range d.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, true
		}
	}
	if len(d.Addresses) > 0 {
		return d.Addresses[0], true
	}

	return "", false
}
