// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package residential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// newGateway starts a forward proxy accepting any "user-..." username with
// password "secret".
func newGateway(t *testing.T) (string, int) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Proxy-Authorization"), "Basic ")
		raw, _ := base64.StdEncoding.DecodeString(auth)
		user, pass, _ := strings.Cut(string(raw), ":")

		if !strings.HasPrefix(user, "user-session-") || pass != "secret" {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		if r.URL.Host != "check.test" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte("198.51.100.7"))
	}))
	t.Cleanup(srv.Close)

	host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)

	return host, p
}

func credential(host string, port int, password string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"hostname":%q,"port":%d,"username":"user","password":%q,"checkUrl":"http://check.test/ip"}`,
		host, port, password))
}

func newFactory() *Factory {
	f := New(zerolog.Nop(), 5*time.Second)
	f.retryMax = 0

	return f
}

func TestValidateCredentialConfig(t *testing.T) {
	host, port := newGateway(t)
	f := newFactory()
	ctx := context.Background()

	if err := f.ValidateCredentialConfig(ctx, credential(host, port, "secret")); err != nil {
		t.Errorf("valid credential error = %v", err)
	}

	var invalid *model.CredentialInvalidError
	err := f.ValidateCredentialConfig(ctx, credential(host, port, "wrong"))
	if !errors.As(err, &invalid) || !errors.Is(err, ErrProxyAuthentication) {
		t.Errorf("want CredentialInvalidError wrapping ErrProxyAuthentication, got %v", err)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{name: "missing password", raw: `{"hostname":"gw.example.com","port":8000,"username":"user"}`},
		{name: "bad scheme", raw: `{"hostname":"gw.example.com","port":8000,"username":"u","password":"p","scheme":"ftp"}`},
		{name: "bad port", raw: `{"hostname":"gw.example.com","port":70000,"username":"u","password":"p"}`},
		{name: "token without api", raw: `{"hostname":"gw.example.com","port":8000,"username":"u","password":"p","apiUrl":"https://api.example.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *model.ValidationError
			if err := f.ValidateCredentialConfig(ctx, json.RawMessage(tt.raw)); !errors.As(err, &verr) {
				t.Errorf("want ValidationError, got %v", err)
			}
		})
	}
}

func TestValidateConnectorConfig(t *testing.T) {
	f := newFactory()
	cred := credential("gw.example.com", 8000, "secret")

	if err := f.ValidateConnectorConfig(context.Background(), cred, json.RawMessage(`{"country":"DE"}`)); err != nil {
		t.Errorf("valid connector error = %v", err)
	}

	var verr *model.ValidationError
	err := f.ValidateConnectorConfig(context.Background(), cred, json.RawMessage(`{"country":"DEU"}`))
	if !errors.As(err, &verr) {
		t.Errorf("want ValidationError, got %v", err)
	}
}

func TestServiceSessions(t *testing.T) {
	f := newFactory()
	ctx := context.Background()

	svc, err := f.BuildConnectorService(ctx, connectors.Snapshot{
		Connector: &model.Connector{
			ID:     "c1",
			Type:   Type,
			Config: json.RawMessage(`{"country":"DE","sessionLifetime":30}`),
		},
		Credential: json.RawMessage(`{"hostname":"gw.example.com","port":8000,"username":"user","password":"secret",
			"usernameTemplate":"{username}-country-{country}-session-{session}-lifetime-{lifetime}"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	created, err := svc.CreateProxies(ctx, connectors.CreateRequest{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 || created[0].Key == created[1].Key {
		t.Fatalf("created = %+v", created)
	}

	p := created[0]
	if !strings.HasPrefix(p.Key, "de-") || p.Status != model.ProxyStatusStarted || *p.CountryLike != "de" {
		t.Errorf("proxy = %+v", p)
	}
	if p.TransportType != connectors.TransportResidential {
		t.Errorf("transport type = %s", p.TransportType)
	}

	var cfg model.ProxyTransportConfig
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		t.Fatal(err)
	}

	_, session := splitKey(p.Key)
	want := "user-country-de-session-" + session + "-lifetime-30"
	if cfg.Auth.Username != want || cfg.Auth.Password != "secret" || cfg.Address.Hostname != "gw.example.com" {
		t.Errorf("transport config = %+v %+v", cfg.Address, cfg.Auth)
	}

	// a session is rebuilt from its key alone
	states, err := svc.GetProxies(ctx, []string{p.Key})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || string(states[0].Config) != string(p.Config) {
		t.Errorf("GetProxies() = %+v", states)
	}

	removed, err := svc.RemoveProxies(ctx, []model.RemoveRequest{{Key: p.Key}})
	if err != nil || !slices.Equal(removed, []string{p.Key}) {
		t.Errorf("RemoveProxies() = %v, %v", removed, err)
	}
}

func TestQueryCountries(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" || r.URL.Path != "/v1/countries" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		_, _ = w.Write([]byte(`["DE","FR"]`))
	}))
	defer api.Close()

	f := newFactory()
	ctx := context.Background()
	query := connectors.Query{Type: "countries"}

	raw := json.RawMessage(fmt.Sprintf(`{"hostname":"gw.example.com","port":8000,"username":"u","password":"p",
		"apiUrl":"%s/v1/","apiToken":"token"}`, api.URL))

	got, err := f.QueryCredential(ctx, raw, query)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.([]string), []string{"de", "fr"}) {
		t.Errorf("countries = %v", got)
	}

	bad := json.RawMessage(strings.Replace(string(raw), `"token"`, `"other"`, 1))
	if _, err := f.QueryCredential(ctx, bad, query); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("want 401 error, got %v", err)
	}

	var verr *model.ValidationError
	noAPI := credential("gw.example.com", 8000, "secret")
	if _, err := f.QueryCredential(ctx, noAPI, query); !errors.As(err, &verr) {
		t.Errorf("want ValidationError, got %v", err)
	}
}
