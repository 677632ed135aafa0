// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package residential

import (
	"context"
	"strings"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// service has nothing to provision: a session exists as soon as its
// username is used on the gateway.
type service struct {
	credential *CredentialConfig
	config     *ConnectorConfig
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(_ context.Context, keys []string) ([]connectors.ProxyState, error) {
	out := make([]connectors.ProxyState, 0, len(keys))
	for _, k := range keys {
		country, session := splitKey(k)
		out = append(out, s.proxyState(k, country, session))
	}

	return out, nil
}

func (s *service) CreateProxies(_ context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	out := make([]connectors.ProxyState, 0, req.Count)
	for range req.Count {
		session := connectors.RandomName("")
		key := connectors.ResidentialKey(s.config.Country, session)
		out = append(out, s.proxyState(key, strings.ToLower(s.config.Country), session))
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

func (s *service) proxyState(key, country, session string) connectors.ProxyState {
	username := connectors.ResidentialUsername(s.credential.UsernameTemplate, connectors.ResidentialSession{
		Username: s.credential.Username,
		Country:  country,
		Session:  session,
		Lifetime: s.config.SessionLifetime,
	})

	p := connectors.ProxyState{
		Key:           key,
		Name:          key,
		Type:          Type,
		TransportType: connectors.TransportResidential,
		Status:        model.ProxyStatusStarted,
		Config: connectors.TransportConfig(s.credential.Hostname, s.credential.Port,
			&model.Auth{Username: username, Password: s.credential.Password}, nil),
	}

	if s.credential.Scheme == "socks5" {
		p.TransportType = connectors.TransportSocks5
	}
	if country != "" {
		p.CountryLike = &country
	}

	return p
}

// splitKey reverses connectors.ResidentialKey.
func splitKey(key string) (country, session string) {
	if c, s, ok := strings.Cut(key, "-"); ok {
		return c, s
	}
	return "", key
}
