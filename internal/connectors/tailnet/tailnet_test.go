// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package tailnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type device struct {
	Addresses  []string `json:"addresses"`
	Name       string   `json:"name"`
	NodeID     string   `json:"nodeId"`
	Authorized bool     `json:"authorized"`
	Tags       []string `json:"tags"`
	LastSeen   string   `json:"lastSeen"`
	Expires    string   `json:"expires"`
}

type fakeAPI struct {
	devices []device
	keys    []map[string]any
	actions []string
	mtx     sync.Mutex
}

func newFakeAPI(t *testing.T) (*fakeAPI, string, int) {
	t.Helper()

	api := &fakeAPI{}

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mtx.Lock()
		defer api.mtx.Unlock()
		api.actions = append(api.actions, r.Method+" "+r.URL.Path)
	}))
	t.Cleanup(agent.Close)

	_, port, _ := net.SplitHostPort(agent.Listener.Addr().String())
	agentPort, _ := strconv.Atoi(port)

	seen := now.Add(-time.Minute).Format(time.RFC3339)
	stale := now.Add(-time.Hour).Format(time.RFC3339)
	api.devices = []device{
		{Addresses: []string{"127.0.0.1", "fd7a::1"}, Name: "modem-1", NodeID: "n1", Authorized: true, Tags: []string{"tag:modem"}, LastSeen: seen},
		{Addresses: []string{"127.0.0.1"}, Name: "modem-2", NodeID: "n2", Authorized: true, Tags: []string{"tag:modem"}, LastSeen: stale},
		{Addresses: []string{"127.0.0.1"}, Name: "modem-3", NodeID: "n3", Authorized: false, Tags: []string{"tag:modem"}, LastSeen: seen},
		{Addresses: []string{"100.64.0.9"}, Name: "laptop", NodeID: "n9", Authorized: true, Tags: []string{"tag:laptop"}, LastSeen: seen},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/tailnet/-/devices", func(w http.ResponseWriter, _ *http.Request) {
		api.mtx.Lock()
		defer api.mtx.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"devices": api.devices})
	})
	mux.HandleFunc("GET /api/v2/device/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	})
	mux.HandleFunc("POST /api/v2/tailnet/-/keys", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		api.mtx.Lock()
		api.keys = append(api.keys, body)
		api.mtx.Unlock()

		_, _ = w.Write([]byte(`{"id":"k1","key":"tskey-auth-k1"}`))
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, _ := r.BasicAuth(); user != "tskey-api" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	return api, srv.URL, agentPort
}

func (a *fakeAPI) locked(fn func()) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	fn()
}

func credential(url, key string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"apiKey":%q,"baseUrl":%q}`, key, url))
}

func newFactory() *Factory {
	f := New(zerolog.Nop(), 5*time.Second)
	f.now = func() time.Time { return now }

	return f
}

func TestValidateCredentialConfig(t *testing.T) {
	_, url, _ := newFakeAPI(t)
	f := newFactory()
	ctx := context.Background()

	if err := f.ValidateCredentialConfig(ctx, credential(url, "tskey-api")); err != nil {
		t.Errorf("valid credential error = %v", err)
	}

	var invalid *model.CredentialInvalidError
	if err := f.ValidateCredentialConfig(ctx, credential(url, "wrong")); !errors.As(err, &invalid) {
		t.Errorf("want CredentialInvalidError, got %v", err)
	}

	var verr *model.ValidationError
	if err := f.ValidateCredentialConfig(ctx, json.RawMessage(`{"clientId":"id"}`)); !errors.As(err, &verr) {
		t.Errorf("want ValidationError, got %v", err)
	}
}

func TestValidateConnectorConfig(t *testing.T) {
	_, url, _ := newFakeAPI(t)
	f := newFactory()
	ctx := context.Background()
	cred := credential(url, "tskey-api")

	tests := []struct {
		name    string
		cfg     string
		invalid bool
		schema  bool
	}{
		{name: "tagged devices", cfg: `{"tag":"tag:modem"}`},
		{name: "no device", cfg: `{"tag":"tag:router"}`, invalid: true},
		{name: "not a tag", cfg: `{"tag":"modem"}`, schema: true},
		{name: "password missing", cfg: `{"tag":"tag:modem","username":"u"}`, schema: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ValidateConnectorConfig(ctx, cred, json.RawMessage(tt.cfg))

			var (
				invalid *model.ConnectorInvalidError
				verr    *model.ValidationError
			)
			switch {
			case tt.invalid && !errors.As(err, &invalid):
				t.Errorf("want ConnectorInvalidError, got %v", err)
			case tt.schema && !errors.As(err, &verr):
				t.Errorf("want ValidationError, got %v", err)
			case !tt.invalid && !tt.schema && err != nil:
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func newService(t *testing.T, url, cfg string) connectors.Service {
	t.Helper()

	svc, err := newFactory().BuildConnectorService(context.Background(), connectors.Snapshot{
		Connector:  &model.Connector{ID: "c1", Type: Type, Config: json.RawMessage(cfg)},
		Credential: credential(url, "tskey-api"),
	})
	if err != nil {
		t.Fatal(err)
	}

	return svc
}

func TestServiceDevices(t *testing.T) {
	_, url, _ := newFakeAPI(t)
	svc := newService(t, url, `{"tag":"tag:modem","port":8080,"username":"u","password":"p"}`)
	ctx := context.Background()

	created, err := svc.CreateProxies(ctx, connectors.CreateRequest{Count: 5, ExcludeKeys: []string{"n2"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0].Key != "n1" {
		t.Fatalf("created = %+v, want the authorized free device only", created)
	}

	var cfg model.ProxyTransportConfig
	if err := json.Unmarshal(created[0].Config, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Address.Hostname != "127.0.0.1" || cfg.Address.Port != 8080 || cfg.Auth.Username != "u" {
		t.Errorf("transport config = %+v %+v", cfg.Address, cfg.Auth)
	}

	states, err := svc.GetProxies(ctx, []string{"n1", "n2", "n3", "n9"})
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]model.ProxyStatus{}
	for _, s := range states {
		got[s.Key] = s.Status
	}
	want := map[string]model.ProxyStatus{
		"n1": model.ProxyStatusStarted,
		"n2": model.ProxyStatusStarting,
		"n3": model.ProxyStatusStopped,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestRemoveCallsAgent(t *testing.T) {
	api, url, agentPort := newFakeAPI(t)
	svc := newService(t, url, fmt.Sprintf(`{"tag":"tag:modem","agentPort":%d}`, agentPort))

	removed, err := svc.RemoveProxies(context.Background(), []model.RemoveRequest{
		{Key: "n1", Force: true},
		{Key: "n2"},
		{Key: "gone", Force: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(removed, []string{"n1", "n2", "gone"}) {
		t.Errorf("removed = %v", removed)
	}

	api.locked(func() {
		slices.Sort(api.actions)
		if !slices.Equal(api.actions, []string{"POST /reboot", "POST /rotate"}) {
			t.Errorf("agent actions = %v", api.actions)
		}
	})
}

func TestRemovingForceCap(t *testing.T) {
	if !newFactory().Config().RemovingForceCap {
		t.Error("tailnet devices must always be removed by force")
	}
}

func TestQueryCredential(t *testing.T) {
	api, url, _ := newFakeAPI(t)
	f := newFactory()
	ctx := context.Background()
	cred := credential(url, "tskey-api")

	tags, err := f.QueryCredential(ctx, cred, connectors.Query{Type: "tags"})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tags.([]string), []string{"tag:laptop", "tag:modem"}) {
		t.Errorf("tags = %v", tags)
	}

	key, err := f.QueryCredential(ctx, cred, connectors.Query{
		Type:       "authkey",
		Parameters: json.RawMessage(`{"tags":["tag:modem"]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if key != "tskey-auth-k1" {
		t.Errorf("key = %v", key)
	}
	api.locked(func() {
		if len(api.keys) != 1 {
			t.Errorf("keys created = %d, want 1", len(api.keys))
		}
	})

	var verr *model.ValidationError
	if _, err := f.QueryCredential(ctx, cred, connectors.Query{Type: "authkey", Parameters: json.RawMessage(`{"tags":["modem"]}`)}); !errors.As(err, &verr) {
		t.Errorf("want ValidationError, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	_, url, _ := newFakeAPI(t)
	f := newFactory()

	client, err := f.client(&CredentialConfig{Tailnet: "-", APIKey: "tskey-api", BaseURL: url})
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Devices().Get(context.Background(), "missing")
	if got := f.NotFound().Resolve(connectors.PhaseRefresh, err); got != connectors.NotFoundTransient {
		t.Errorf("Resolve() = %v, err = %v", got, err)
	}
}
