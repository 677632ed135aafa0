// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package static

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// service hands out list entries. A proxy is an entry in use by the pool.
type service struct {
	log   zerolog.Logger
	list  *list
	group string
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(_ context.Context, keys []string) ([]connectors.ProxyState, error) {
	entries := s.list.get(s.group, keys)

	out := make([]connectors.ProxyState, 0, len(entries))
	for _, k := range keys {
		if e, ok := entries[k]; ok {
			out = append(out, e.proxyState(k))
		}
	}

	return out, nil
}

// CreateProxies takes free entries in key order. It returns fewer proxies
// than asked when the list runs out.
func (s *service) CreateProxies(ctx context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	keys := s.list.free(s.group, req.ExcludeKeys)
	if len(keys) > req.Count {
		keys = keys[:req.Count]
	}
	if len(keys) < req.Count {
		s.log.Warn().Int("requested", req.Count).Int("available", len(keys)).Msg("Not enough proxies in list")
	}

	return s.GetProxies(ctx, keys)
}

func (s *service) StartProxies(context.Context, []string) error {
	return nil
}

// RemoveProxies releases entries. They can be handed out again.
func (s *service) RemoveProxies(_ context.Context, reqs []model.RemoveRequest) ([]string, error) {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Key)
	}

	return out, nil
}
