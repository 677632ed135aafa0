// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package validation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/yichenchong/proxyfleet/internal/connectors/connectorstest"
	"github.com/yichenchong/proxyfleet/internal/model"
)

type uninstallData struct {
	URL            string `json:"url" validate:"required,url"`
	SubscriptionID string `json:"subscriptionId" validate:"required,uuid"`
	Region         string `json:"region" validate:"required"`
	ImageID        string `json:"imageId,omitempty"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"url":"http://localhost:8080","subscriptionId":"0f3c7c4e-6a1a-4d43-9a2b-0a2e8cbbd7f1","region":"europe"}`, false},
		{"valid with image", `{"url":"http://localhost:8080","subscriptionId":"0f3c7c4e-6a1a-4d43-9a2b-0a2e8cbbd7f1","region":"europe","imageId":"img"}`, false},
		{"bad uuid", `{"url":"http://localhost:8080","subscriptionId":"nope","region":"europe"}`, true},
		{"missing region", `{"url":"http://localhost:8080","subscriptionId":"0f3c7c4e-6a1a-4d43-9a2b-0a2e8cbbd7f1"}`, true},
		{"unknown field", `{"url":"http://localhost:8080","subscriptionId":"0f3c7c4e-6a1a-4d43-9a2b-0a2e8cbbd7f1","region":"europe","extra":1}`, true},
		{"malformed", `{"url":`, true},
		{"empty", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode[uninstallData](json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}

			var ve *model.ValidationError
			if err != nil && !errors.As(err, &ve) {
				t.Errorf("error %T is not a ValidationError", err)
			}
		})
	}
}

func TestValidationErrorUsesJSONNames(t *testing.T) {
	_, err := Decode[uninstallData](json.RawMessage(`{"url":"http://x","region":"r"}`))

	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v", err)
	}
	if len(ve.Fields) != 1 || ve.Fields[0].Field != "subscriptionId" {
		t.Errorf("Fields = %+v", ve.Fields)
	}
}

func TestValidateConnector(t *testing.T) {
	base := func() *model.Connector {
		return &model.Connector{
			Name:                       "c",
			Type:                       "fake",
			CredentialID:               "cred",
			ProxiesMax:                 2,
			ProxiesTimeoutDisconnected: 1000,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *model.Connector)
		wantErr bool
	}{
		{"valid", func(*model.Connector) {}, false},
		{"negative max", func(c *model.Connector) { c.ProxiesMax = -1 }, true},
		{"no disconnected timeout", func(c *model.Connector) { c.ProxiesTimeoutDisconnected = 0 }, true},
		{"unreachable below disconnected", func(c *model.Connector) {
			c.ProxiesTimeoutUnreachable = model.ProxiesTimeoutUnreachable{Enabled: true, Value: 500}
		}, true},
		{"unreachable above disconnected", func(c *model.Connector) {
			c.ProxiesTimeoutUnreachable = model.ProxiesTimeoutUnreachable{Enabled: true, Value: 5000}
		}, false},
		{"unreachable disabled", func(c *model.Connector) {
			c.ProxiesTimeoutUnreachable = model.ProxiesTimeoutUnreachable{Enabled: false, Value: 1}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)

			if err := ValidateConnector(c); (err != nil) != tt.wantErr {
				t.Errorf("ValidateConnector() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckCredentialClassifiesErrors(t *testing.T) {
	ctx := context.Background()

	p := connectorstest.New()
	p.Errors["ValidateCredentialConfig"] = errors.New("401 unauthorized")

	var ce *model.CredentialInvalidError
	if err := CheckCredential(ctx, p, nil); !errors.As(err, &ce) {
		t.Errorf("live probe failure = %v, want CredentialInvalidError", err)
	}

	p.Errors["ValidateCredentialConfig"] = model.NewValidationError("bad schema")

	var ve *model.ValidationError
	if err := CheckCredential(ctx, p, nil); !errors.As(err, &ve) {
		t.Errorf("schema failure = %v, want ValidationError", err)
	}

	if err := CheckCredential(ctx, p, nil); err != nil {
		t.Errorf("valid credential error = %v", err)
	}
}

func TestCheckConnectorClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	c := &model.Connector{Name: "c", Type: "fake", CredentialID: "cred", ProxiesMax: 1, ProxiesTimeoutDisconnected: 1000}

	p := connectorstest.New()
	p.Errors["ValidateConnectorConfig"] = errors.New("region unknown")

	var ci *model.ConnectorInvalidError
	if err := CheckConnector(ctx, p, nil, c); !errors.As(err, &ci) {
		t.Errorf("CheckConnector() = %v, want ConnectorInvalidError", err)
	}

	c.ProxiesMax = -1
	var ve *model.ValidationError
	if err := CheckConnector(ctx, p, nil, c); !errors.As(err, &ve) {
		t.Errorf("CheckConnector() = %v, want ValidationError", err)
	}
}

func TestDecodeAppliesDefaults(t *testing.T) {
	type withDefaults struct {
		Port    int    `json:"port" default:"3128" validate:"gte=1,lte=65535"`
		Network string `json:"network" default:"bridge"`
	}

	out, err := Decode[withDefaults](json.RawMessage(`{"network":"host"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Port != 3128 || out.Network != "host" {
		t.Errorf("Decode() = %+v", out)
	}
}
