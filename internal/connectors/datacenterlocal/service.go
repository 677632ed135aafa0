// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package datacenterlocal

import (
	"context"
	"errors"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

var ErrImageNotSpecified = errors.New("image ID is not specified")

type service struct {
	client         *Client
	config         *ConnectorConfig
	certificate    *model.Certificate
	subscriptionID string
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(ctx context.Context, keys []string) ([]connectors.ProxyState, error) {
	instances, err := s.client.GetAllInstances(ctx, s.subscriptionID, s.config.Region)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	out := make([]connectors.ProxyState, 0, len(keys))
	for _, i := range instances {
		if _, ok := wanted[i.ID]; ok {
			out = append(out, s.proxyState(i))
		}
	}

	return out, nil
}

func (s *service) CreateProxies(ctx context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	if s.config.ImageID == "" {
		return nil, ErrImageNotSpecified
	}

	ids := make([]string, req.Count)
	for i := range ids {
		ids[i] = connectors.RandomName("dcl")
	}

	instances, err := s.client.CreateInstances(ctx, s.subscriptionID, s.config.Region, ids, s.config.Size, s.config.ImageID)
	if err != nil {
		return nil, err
	}

	out := make([]connectors.ProxyState, len(instances))
	for i, instance := range instances {
		out[i] = s.proxyState(instance)
	}

	return out, nil
}

// StartProxies does nothing: instances are never stopped.
func (s *service) StartProxies(context.Context, []string) error {
	return nil
}

// RemoveProxies only requests removal. Instances go through STOPPING and
// disappear from the listing once removed.
func (s *service) RemoveProxies(ctx context.Context, reqs []model.RemoveRequest) ([]string, error) {
	if err := s.client.RemoveInstances(ctx, s.subscriptionID, s.config.Region, reqs); err != nil {
		return nil, err
	}

	return []string{}, nil
}

func (s *service) proxyState(i Instance) connectors.ProxyState {
	return connectors.ProxyState{
		Key:           i.ID,
		Name:          i.ID,
		Type:          Type,
		TransportType: connectors.TransportDatacenter,
		Status:        convertStatus(i.Status),
		Config:        connectors.TransportConfig("localhost", i.Port, nil, s.certificate),
	}
}

func convertStatus(s model.ProxyStatus) model.ProxyStatus {
	switch s {
	case model.ProxyStatusStarting, model.ProxyStatusStarted, model.ProxyStatusStopping:
		return s
	default:
		return model.ProxyStatusError
	}
}
