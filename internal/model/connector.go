// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import "encoding/json"

type (
	// Connector binds a project to one provider.
	Connector struct {
		ID                         string                    `json:"id"`
		ProjectID                  string                    `json:"projectId"`
		Name                       string                    `json:"name" validate:"required,max=64"`
		Type                       string                    `json:"type" validate:"required"`
		CredentialID               string                    `json:"credentialId" validate:"required"`
		Config                     json.RawMessage           `json:"config"`
		ProxiesMax                 int                       `json:"proxiesMax" validate:"gte=0"`
		ProxiesTimeoutDisconnected int64                     `json:"proxiesTimeoutDisconnected" validate:"gt=0"`
		ProxiesTimeoutUnreachable  ProxiesTimeoutUnreachable `json:"proxiesTimeoutUnreachable"`
		Active                     bool                      `json:"active"`
		Error                      *string                   `json:"error,omitempty"`
		CertificateEndAt           *int64                    `json:"certificateEndAt,omitempty"`
		Certificate                *Certificate              `json:"-"`
	}

	ProxiesTimeoutUnreachable struct {
		Enabled bool  `json:"enabled"`
		Value   int64 `json:"value" validate:"gte=0"`
	}
)

// SetError records err on the connector, or clears it when err is nil.
func (c *Connector) SetError(err error) {
	if err == nil {
		c.Error = nil
		return
	}
	msg := err.Error()
	c.Error = &msg
}

func (c *Connector) Clone() *Connector {
	cp := *c
	cp.Config = append(json.RawMessage(nil), c.Config...)
	if c.Error != nil {
		e := *c.Error
		cp.Error = &e
	}
	if c.CertificateEndAt != nil {
		t := *c.CertificateEndAt
		cp.CertificateEndAt = &t
	}
	if c.Certificate != nil {
		cert := *c.Certificate
		cp.Certificate = &cert
	}
	return &cp
}
