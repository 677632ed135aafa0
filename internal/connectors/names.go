// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package connectors

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/yichenchong/proxyfleet/internal/model"
)

// RandomName returns prefix followed by 8 random hex characters.
func RandomName(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// TransportConfig marshals a transport config for ProxyState.Config.
func TransportConfig(hostname string, port int, auth *model.Auth, cert *model.Certificate) json.RawMessage {
	cfg := model.ProxyTransportConfig{
		Address: &model.Address{
			Hostname: hostname,
			Port:     port,
		},
		Auth:        auth,
		Certificate: cert,
	}

	raw, _ := json.Marshal(cfg)

	return raw
}

// OutlineTransportConfig marshals a transport config for an outline-sdk dialer.
func OutlineTransportConfig(transport string) json.RawMessage {
	raw, _ := json.Marshal(model.ProxyTransportConfig{Transport: transport})

	return raw
}
