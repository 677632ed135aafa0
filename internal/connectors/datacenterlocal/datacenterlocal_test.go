// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package datacenterlocal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/tasks"
)

const subscriptionID = "6f1c1a7e-3c2d-4f4e-9d1a-1f2e3d4c5b6a"

// fakeAPI is an in-memory datacenter-local API.
type fakeAPI struct {
	images    map[string]string
	instances map[string]Instance
	removed   []instanceToRemove
	nextPort  int
	mtx       sync.Mutex
}

func newFakeAPI(t *testing.T) (*fakeAPI, string) {
	t.Helper()

	api := &fakeAPI{
		images:    make(map[string]string),
		instances: make(map[string]Instance),
		nextPort:  30000,
	}

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	return api, srv.URL
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if r.Header.Get("User-Agent") != userAgent {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	notFound := func(id string) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(APIError{ID: id, Message: "not found"})
	}
	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case len(parts) == 1 && parts[0] == "regions":
		reply([]Region{{ID: "europe"}, {ID: "asia"}})

	case len(parts) == 2 && parts[0] == "regions":
		if parts[1] != "europe" {
			notFound("region_datacenter_local_not_found")
			return
		}
		reply(Region{ID: "europe"})

	case len(parts) == 3 && parts[0] == "regions":
		reply([]Size{{ID: "small"}, {ID: "large"}})

	case len(parts) == 4 && parts[0] == "regions":
		if parts[3] != "small" {
			notFound("size_datacenter_local_not_found")
			return
		}
		reply(Size{ID: "small"})

	case len(parts) == 2 && parts[0] == "subscriptions":
		if parts[1] != subscriptionID {
			notFound("subscription_datacenter_local_not_found")
			return
		}
		reply(Subscription{ID: subscriptionID, InstancesLimit: 10})

	case len(parts) == 5 && parts[4] == "images" && r.Method == http.MethodPost:
		var body imageToCreate
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Certificate == nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(APIError{ID: "certificate_missing", Message: "no certificate"})
			return
		}
		a.images[body.ID] = "CREATING"
		reply(Image{ID: body.ID, Status: "CREATING"})

	case len(parts) == 6 && parts[4] == "images":
		status, ok := a.images[parts[5]]
		if !ok {
			notFound("image_datacenter_local_not_found")
			return
		}
		if r.Method == http.MethodDelete {
			delete(a.images, parts[5])
			w.WriteHeader(http.StatusNoContent)
			return
		}
		reply(Image{ID: parts[5], Status: status})

	case len(parts) == 5 && parts[4] == "instances":
		out := []Instance{}
		for _, i := range a.instances {
			out = append(out, i)
		}
		reply(out)

	case len(parts) == 6 && parts[5] == "create":
		var body instancesToCreate
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := []Instance{}
		for _, id := range body.IDs {
			a.nextPort++
			i := Instance{ID: id, Status: model.ProxyStatusStarting, Port: a.nextPort}
			a.instances[id] = i
			out = append(out, i)
		}
		reply(out)

	case len(parts) == 6 && parts[5] == "remove":
		var body []instanceToRemove
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, rm := range body {
			if i, ok := a.instances[rm.ID]; ok {
				i.Status = model.ProxyStatusStopping
				a.instances[rm.ID] = i
			}
		}
		a.removed = append(a.removed, body...)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *fakeAPI) setImage(id, status string) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.images[id] = status
}

func credential(url string) json.RawMessage {
	raw, _ := json.Marshal(CredentialConfig{URL: url, SubscriptionID: subscriptionID})
	return raw
}

func newFactory() *Factory {
	f := New(zerolog.Nop(), 5*time.Second)
	f.retryMax = 0
	return f
}

func TestValidateCredentialConfig(t *testing.T) {
	_, url := newFakeAPI(t)
	f := newFactory()

	tests := []struct {
		name  string
		raw   string
		check func(error) bool
	}{
		{"valid", string(credential(url)), func(err error) bool { return err == nil }},
		{"malformed", `{"url":"not a url"}`, func(err error) bool {
			var ve *model.ValidationError
			return errors.As(err, &ve)
		}},
		{"unknown subscription", `{"url":"` + url + `","subscriptionId":"00000000-0000-4000-8000-000000000000"}`, func(err error) bool {
			var ce *model.CredentialInvalidError
			return errors.As(err, &ce) && IsNotFound(err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ValidateCredentialConfig(context.Background(), json.RawMessage(tt.raw))
			if !tt.check(err) {
				t.Errorf("ValidateCredentialConfig() error = %v", err)
			}
		})
	}
}

func TestValidateConnectorConfig(t *testing.T) {
	_, url := newFakeAPI(t)
	f := newFactory()

	tests := []struct {
		name    string
		raw     string
		invalid bool
	}{
		{"valid", `{"region":"europe","size":"small"}`, false},
		{"unknown region", `{"region":"mars","size":"small"}`, true},
		{"unknown size", `{"region":"europe","size":"huge"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ValidateConnectorConfig(context.Background(), credential(url), json.RawMessage(tt.raw))
			var ci *model.ConnectorInvalidError
			if tt.invalid != errors.As(err, &ci) {
				t.Errorf("ValidateConnectorConfig() error = %v, want invalid %v", err, tt.invalid)
			}
		})
	}
}

func TestServiceLifecycle(t *testing.T) {
	api, url := newFakeAPI(t)
	f := newFactory()
	ctx := context.Background()

	cert := &model.Certificate{Cert: "cert", Key: "key"}
	svc, err := f.BuildConnectorService(ctx, connectors.Snapshot{
		Connector: &model.Connector{
			ID:          "c1",
			Config:      json.RawMessage(`{"region":"europe","size":"small","imageId":"image-1"}`),
			Certificate: cert,
		},
		Credential: credential(url),
	})
	if err != nil {
		t.Fatal(err)
	}

	created, err := svc.CreateProxies(ctx, connectors.CreateRequest{Count: 2, TotalCountAfter: 2})
	if err != nil {
		t.Fatalf("CreateProxies() error = %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d proxies, want 2", len(created))
	}

	p := &model.Proxy{Config: created[0].Config}
	tc, err := p.TransportConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Address.Hostname != "localhost" || tc.Address.Port == 0 || tc.Certificate == nil || tc.Certificate.Cert != "cert" {
		t.Errorf("transport config = %+v", tc)
	}

	states, err := svc.GetProxies(ctx, []string{created[0].Key})
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Status != model.ProxyStatusStarting {
		t.Errorf("GetProxies() = %+v", states)
	}

	removed, err := svc.RemoveProxies(ctx, []model.RemoveRequest{{Key: created[0].Key, Force: true}})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("removal must be asynchronous, got %v", removed)
	}
	api.mtx.Lock()
	if len(api.removed) != 1 || !api.removed[0].Force {
		t.Errorf("removed = %+v", api.removed)
	}
	api.mtx.Unlock()

	states, _ = svc.GetProxies(ctx, []string{created[0].Key})
	if states[0].Status != model.ProxyStatusStopping {
		t.Errorf("status after removal = %s", states[0].Status)
	}
}

func TestCreateProxiesNeedsImage(t *testing.T) {
	_, url := newFakeAPI(t)

	svc, err := newFactory().BuildConnectorService(context.Background(), connectors.Snapshot{
		Connector:  &model.Connector{Config: json.RawMessage(`{"region":"europe","size":"small"}`)},
		Credential: credential(url),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CreateProxies(context.Background(), connectors.CreateRequest{Count: 1}); !errors.Is(err, ErrImageNotSpecified) {
		t.Errorf("CreateProxies() error = %v", err)
	}
}

func TestConvertStatus(t *testing.T) {
	tests := map[model.ProxyStatus]model.ProxyStatus{
		model.ProxyStatusStarting: model.ProxyStatusStarting,
		model.ProxyStatusStarted:  model.ProxyStatusStarted,
		model.ProxyStatusStopping: model.ProxyStatusStopping,
		model.ProxyStatusStopped:  model.ProxyStatusError,
		"CRASHED":                 model.ProxyStatusError,
	}

	for in, want := range tests {
		if got := convertStatus(in); got != want {
			t.Errorf("convertStatus(%s) = %s, want %s", in, got, want)
		}
	}
}

type fakeHost struct {
	connector *model.Connector
}

func (h *fakeHost) GetConnectorByID(context.Context, string, string) (*model.Connector, error) {
	return h.connector.Clone(), nil
}

func (h *fakeHost) UpdateConnector(_ context.Context, c *model.Connector) error {
	h.connector = c.Clone()
	return nil
}

func (h *fakeHost) GetCertificate(context.Context, string, string) (*model.Certificate, error) {
	return h.connector.Certificate, nil
}

func step(t *testing.T, r *tasks.Registry, task *model.Task, env tasks.Env) model.TaskUpdate {
	t.Helper()

	cmd, err := r.Build(task, env)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	u, err := cmd.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() step %d error = %v", task.StepCurrent, err)
	}
	task.Apply(u)

	return u
}

func TestInstallAndUninstall(t *testing.T) {
	api, url := newFakeAPI(t)
	f := newFactory()
	ctx := context.Background()

	registry := tasks.NewRegistry()
	if err := registry.RegisterProviders(f); err != nil {
		t.Fatal(err)
	}

	connector := &model.Connector{
		ID:          "c1",
		ProjectID:   "p1",
		Config:      json.RawMessage(`{"region":"europe","size":"small"}`),
		Certificate: &model.Certificate{Cert: "cert", Key: "key"},
	}
	host := &fakeHost{connector: connector}
	env := tasks.Env{Host: host, Log: zerolog.Nop(), Now: time.Now}

	task, err := f.BuildInstallCommand(ctx, connectors.InstallRequest{Connector: connector, Credential: credential(url)})
	if err != nil {
		t.Fatal(err)
	}
	if task.Type != TaskImageCreate || task.StepMax != 2 {
		t.Fatalf("task = %+v", task)
	}

	u := step(t, registry, task, env)
	if u.StepCurrent != 1 || !strings.HasPrefix(u.Message, "Creating image ") {
		t.Fatalf("step 0 = %+v", u)
	}

	var data installData
	_ = json.Unmarshal(task.Data, &data)
	if data.ImageID == "" {
		t.Fatal("image id not kept in task data")
	}

	// image still building
	u = step(t, registry, task, env)
	if !u.Running || u.StepCurrent != 1 {
		t.Fatalf("waiting step = %+v", u)
	}

	api.setImage(data.ImageID, ImageStatusReady)
	u = step(t, registry, task, env)
	if u.Running || u.Message != "Connector installed." {
		t.Fatalf("final step = %+v", u)
	}

	var cfg ConnectorConfig
	_ = json.Unmarshal(host.connector.Config, &cfg)
	if cfg.ImageID != data.ImageID || cfg.Region != "europe" {
		t.Errorf("connector config = %+v", cfg)
	}

	task, err = f.BuildUninstallCommand(ctx, connectors.InstallRequest{Connector: host.connector, Credential: credential(url)})
	if err != nil {
		t.Fatal(err)
	}

	u = step(t, registry, task, env)
	if u.StepCurrent != 1 || u.Message != "Removing image "+data.ImageID+"..." {
		t.Fatalf("uninstall step 0 = %+v", u)
	}

	u = step(t, registry, task, env)
	if u.Running || u.Message != "Connector uninstalled." {
		t.Fatalf("uninstall step 1 = %+v", u)
	}
}

func TestUninstallWithoutImage(t *testing.T) {
	_, url := newFakeAPI(t)
	f := newFactory()

	registry := tasks.NewRegistry()
	_ = registry.RegisterProviders(f)

	connector := &model.Connector{ID: "c1", ProjectID: "p1", Config: json.RawMessage(`{"region":"europe","size":"small"}`)}
	env := tasks.Env{Host: &fakeHost{connector: connector}, Log: zerolog.Nop(), Now: time.Now}

	task, err := f.BuildUninstallCommand(context.Background(), connectors.InstallRequest{Connector: connector, Credential: credential(url)})
	if err != nil {
		t.Fatal(err)
	}

	if u := step(t, registry, task, env); u.Message != "Skipping removing image..." {
		t.Errorf("step 0 = %+v", u)
	}
	if u := step(t, registry, task, env); u.Running {
		t.Errorf("step 1 = %+v", u)
	}
}

func TestInstallNeedsCertificate(t *testing.T) {
	_, url := newFakeAPI(t)

	_, err := newFactory().BuildInstallCommand(context.Background(), connectors.InstallRequest{
		Connector:  &model.Connector{ID: "c1", Config: json.RawMessage(`{"region":"europe","size":"small"}`)},
		Credential: credential(url),
	})

	var cnf *model.ConnectorCertificateNotFoundError
	if !errors.As(err, &cnf) {
		t.Errorf("BuildInstallCommand() error = %v", err)
	}
}

func TestInstallUnknownStep(t *testing.T) {
	_, url := newFakeAPI(t)
	f := newFactory()

	connector := &model.Connector{
		ID:          "c1",
		Config:      json.RawMessage(`{"region":"europe","size":"small"}`),
		Certificate: &model.Certificate{Cert: "cert"},
	}
	task, err := f.BuildInstallCommand(context.Background(), connectors.InstallRequest{Connector: connector, Credential: credential(url)})
	if err != nil {
		t.Fatal(err)
	}

	cmd, err := f.installFactory().Build(task, tasks.Env{Log: zerolog.Nop(), Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}

	task.StepCurrent = 5
	var se *model.TaskStepError
	if _, err := cmd.Execute(context.Background()); !errors.As(err, &se) {
		t.Errorf("Execute() error = %v", err)
	}
}

func TestQueryCredential(t *testing.T) {
	_, url := newFakeAPI(t)
	f := newFactory()
	ctx := context.Background()

	regions, err := f.QueryCredential(ctx, credential(url), connectors.Query{Type: "regions"})
	if err != nil || len(regions.([]Region)) != 2 {
		t.Errorf("regions = %v, %v", regions, err)
	}

	sizes, err := f.QueryCredential(ctx, credential(url), connectors.Query{Type: "sizes", Parameters: json.RawMessage(`{"region":"europe"}`)})
	if err != nil || len(sizes.([]Size)) != 2 {
		t.Errorf("sizes = %v, %v", sizes, err)
	}

	var ve *model.ValidationError
	if _, err := f.QueryCredential(ctx, credential(url), connectors.Query{Type: "images"}); !errors.As(err, &ve) {
		t.Errorf("unknown query error = %v", err)
	}
}

func TestNotFoundTable(t *testing.T) {
	table := newFactory().NotFound()
	err := &APIError{Status: http.StatusBadRequest, ID: "image_datacenter_local_not_found"}

	if got := table.Resolve(connectors.PhaseRefresh, err); got != connectors.NotFoundTransient {
		t.Errorf("refresh = %s", got)
	}
	if got := table.Resolve(connectors.PhaseUninstall, err); got != connectors.NotFoundSuccess {
		t.Errorf("uninstall = %s", got)
	}
	if got := table.Resolve(connectors.PhaseUninstall, &APIError{Status: 400, ID: "quota_exceeded"}); got != connectors.NotFoundFail {
		t.Errorf("other error = %s", got)
	}
}
