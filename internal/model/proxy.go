// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import "encoding/json"

type (
	// Proxy is one pool member, owned by its connector.
	Proxy struct {
		ID                    string          `json:"id"`
		ConnectorID           string          `json:"connectorId"`
		ProjectID             string          `json:"projectId"`
		Type                  string          `json:"type"`
		TransportType         string          `json:"transportType"`
		Key                   string          `json:"key"`
		Name                  string          `json:"name"`
		Status                ProxyStatus     `json:"status"`
		ProviderStatus        ProxyStatus     `json:"providerStatus"`
		Config                json.RawMessage `json:"config"`
		Fingerprint           *Fingerprint    `json:"fingerprint"`
		CountryLike           *string         `json:"countryLike,omitempty"`
		RemovingForceCap      bool            `json:"removingForceCap"`
		Removing              bool            `json:"removing"`
		RemovingForce         bool            `json:"removingForce"`
		DisconnectedTs        *int64          `json:"disconnectedTs"`
		AutoRotateDelayFactor float64         `json:"autoRotateDelayFactor"`
		Requests              int64           `json:"requests"`
		BytesSent             int64           `json:"bytesSent"`
		BytesReceived         int64           `json:"bytesReceived"`
		CreatedTs             int64           `json:"createdTs"`
		LastRefreshTs         int64           `json:"lastRefreshTs"`
		LastConnectionTs      int64           `json:"lastConnectionTs"`
	}

	// RemoveRequest asks a provider to remove one proxy.
	RemoveRequest struct {
		Key   string `json:"key" validate:"required"`
		Force bool   `json:"force"`
	}

	// ProxyTransportConfig is the transport part of Proxy.Config.
	ProxyTransportConfig struct {
		// Transport is an outline-sdk dialer config, for transports that are
		// neither HTTP nor SOCKS5 proxies.
		Transport   string       `json:"transport,omitempty"`
		Address     *Address     `json:"address,omitempty"`
		Auth        *Auth        `json:"auth,omitempty"`
		Certificate *Certificate `json:"certificate,omitempty"`
	}

	Address struct {
		Hostname string `json:"hostname"`
		Port     int    `json:"port"`
	}

	Auth struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
)

// ProxyID builds the global id of a proxy.
func ProxyID(connectorID, key string) string {
	return connectorID + ":" + key
}

func (p *Proxy) Clone() *Proxy {
	cp := *p
	cp.Config = append(json.RawMessage(nil), p.Config...)
	if p.Fingerprint != nil {
		fp := *p.Fingerprint
		cp.Fingerprint = &fp
	}
	if p.CountryLike != nil {
		c := *p.CountryLike
		cp.CountryLike = &c
	}
	if p.DisconnectedTs != nil {
		t := *p.DisconnectedTs
		cp.DisconnectedTs = &t
	}
	return &cp
}

// TransportConfig decodes the transport config of the proxy.
func (p *Proxy) TransportConfig() (*ProxyTransportConfig, error) {
	cfg := &ProxyTransportConfig{}
	if len(p.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(p.Config, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reachable is true once a probe succeeded and none failed since.
func (p *Proxy) Reachable() bool {
	return p.Fingerprint != nil && p.DisconnectedTs == nil
}

// SetStatus moves the proxy to next when the transition table allows it.
func (p *Proxy) SetStatus(next ProxyStatus) bool {
	if p.Status == "" || p.Status.CanTransition(next) {
		p.Status = next
		return true
	}

	return false
}

// DeriveStatus recomputes Status from the provider status and reachability.
// A running proxy only counts as STARTED once the fingerprint gate saw it.
// A stopped proxy is no longer reachable from now on: it is timed out like
// a disconnected one, and a resumed one goes through STARTING until it is
// probed again.
func (p *Proxy) DeriveStatus(now int64) bool {
	next := p.ProviderStatus
	if (next == ProxyStatusStopped || p.Status == ProxyStatusStopped) && p.DisconnectedTs == nil {
		p.DisconnectedTs = &now
	}

	switch next {
	case ProxyStatusStarting, ProxyStatusStarted:
		if p.Reachable() {
			next = ProxyStatusStarted
		} else {
			next = ProxyStatusStarting
		}
	}

	return p.SetStatus(next)
}

// ApplyFingerprint records a probe result. A nil fingerprint is a failed probe.
func (p *Proxy) ApplyFingerprint(fp *Fingerprint, now int64) {
	if fp != nil {
		p.Fingerprint = fp
		p.DisconnectedTs = nil
	} else if p.DisconnectedTs == nil {
		p.DisconnectedTs = &now
	}

	p.DeriveStatus(now)
}
