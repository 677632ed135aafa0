// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package freeproxies

import (
	"context"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// service hands out listed proxies. Dead ones are left to the fingerprint
// gate: a listed proxy is always reported started.
type service struct {
	log     zerolog.Logger
	catalog *catalog
	config  *ConnectorConfig
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(ctx context.Context, keys []string) ([]connectors.ProxyState, error) {
	if err := s.catalog.refresh(ctx, false); err != nil {
		return nil, err
	}

	out := make([]connectors.ProxyState, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.catalog.get(k); ok && s.accepts(e) {
			out = append(out, proxyState(e))
		}
	}

	return out, nil
}

func (s *service) CreateProxies(ctx context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	if err := s.catalog.refresh(ctx, false); err != nil {
		return nil, err
	}

	picked := s.catalog.pick(s.accepts, req.ExcludeKeys, req.Count)
	if len(picked) < req.Count {
		s.log.Warn().Int("requested", req.Count).Int("available", len(picked)).Msg("Not enough listed proxies")
	}

	out := make([]connectors.ProxyState, 0, len(picked))
	for _, e := range picked {
		out = append(out, proxyState(e))
	}

	return out, nil
}

func (s *service) StartProxies(context.Context, []string) error {
	return nil
}

func (s *service) RemoveProxies(_ context.Context, reqs []model.RemoveRequest) ([]string, error) {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Key)
	}

	return out, nil
}

func (s *service) accepts(e entry) bool {
	if len(s.config.Protocols) > 0 && !slices.Contains(s.config.Protocols, e.Protocol) {
		return false
	}
	if len(s.config.Countries) > 0 && !slices.ContainsFunc(s.config.Countries, func(c string) bool {
		return strings.EqualFold(c, e.Country)
	}) {
		return false
	}

	return true
}

func proxyState(e entry) connectors.ProxyState {
	s := connectors.ProxyState{
		Key:           e.key(),
		Name:          e.key(),
		Type:          Type,
		TransportType: connectors.TransportProxy,
		Status:        model.ProxyStatusStarted,
		Config:        connectors.TransportConfig(e.Host, e.Port, nil, nil),
	}

	if e.Protocol == "socks5" {
		s.TransportType = connectors.TransportSocks5
	}
	if e.Country != "" {
		country := e.Country
		s.CountryLike = &country
	}

	return s
}
