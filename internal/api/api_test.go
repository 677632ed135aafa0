// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/commander"
	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/connectors/connectorstest"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/storage"
	"github.com/yichenchong/proxyfleet/internal/tasks"
)

type fakePool struct{}

func (fakePool) Poke(context.Context, string, string) {}

func (fakePool) Remove(_ context.Context, _ string, reqs []model.RemoveRequest) ([]*model.Proxy, error) {
	out := make([]*model.Proxy, len(reqs))
	for i, r := range reqs {
		out[i] = &model.Proxy{Key: r.Key, Removing: true}
	}
	return out, nil
}

func (fakePool) StartedProxies(context.Context, string) ([]*model.Proxy, error) {
	return []*model.Proxy{}, nil
}

type fakeEvents struct {
	ch chan model.ProxyEvent
}

func (e *fakeEvents) SubscribeStatusEvents() chan model.ProxyEvent  { return e.ch }
func (e *fakeEvents) UnsubscribeStatusEvents(chan model.ProxyEvent) {}

type harness struct {
	t        *testing.T
	api      *API
	url      string
	provider *connectorstest.Provider
	events   *fakeEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		provider: connectorstest.New(),
		events:   &fakeEvents{ch: make(chan model.ProxyEvent, 8)},
	}

	cr := connectors.NewRegistry()
	cr.MustRegister(h.provider)

	cmd := commander.New(zerolog.Nop(), storage.NewMemory(), cr, tasks.NewRegistry(), fakePool{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := core.NewHTTPServer(zerolog.Nop())
	h.api = New(server, zerolog.Nop(), cmd, h.events)
	h.api.AddRoutes(ctx)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	h.url = srv.URL

	return h
}

// do sends body as JSON and decodes the response into out when not nil.
func (h *harness) do(method, path string, body any, out any) int {
	h.t.Helper()

	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req, err := http.NewRequest(method, h.url+path, &buf)
	if err != nil {
		h.t.Fatal(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatal(err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}

	return resp.StatusCode
}

func (h *harness) project() *model.Project {
	h.t.Helper()

	var p model.Project
	if status := h.do(http.MethodPost, "/api/projects", `{"name":"project","proxiesMin":1}`, &p); status != http.StatusCreated {
		h.t.Fatalf("create project status = %d", status)
	}

	return &p
}

func (h *harness) connector(projectID string) *model.Connector {
	h.t.Helper()

	var cred model.Credential
	status := h.do(http.MethodPost, "/api/projects/"+projectID+"/credentials",
		fmt.Sprintf(`{"name":"cred","type":%q,"config":{}}`, connectorstest.Type), &cred)
	if status != http.StatusCreated {
		h.t.Fatalf("create credential status = %d", status)
	}

	var c model.Connector
	status = h.do(http.MethodPost, "/api/projects/"+projectID+"/connectors", map[string]any{
		"name":                       "connector",
		"type":                       connectorstest.Type,
		"credentialId":               cred.ID,
		"config":                     json.RawMessage(`{}`),
		"proxiesMax":                 2,
		"proxiesTimeoutDisconnected": 3000,
	}, &c)
	if status != http.StatusCreated {
		h.t.Fatalf("create connector status = %d", status)
	}

	return &c
}

func TestProjects(t *testing.T) {
	h := newHarness(t)
	p := h.project()

	var got model.Project
	if status := h.do(http.MethodGet, "/api/projects/"+p.ID, nil, &got); status != http.StatusOK || got.Name != "project" {
		t.Errorf("GET project = %d %+v", status, got)
	}

	if status := h.do(http.MethodPut, "/api/projects/"+p.ID+"/status", `{"status":"HOT"}`, &got); status != http.StatusOK || got.Status != model.ProjectStatusHot {
		t.Errorf("PUT status = %d %+v", status, got)
	}

	var list []model.Project
	if status := h.do(http.MethodGet, "/api/projects", nil, &list); status != http.StatusOK || len(list) != 1 {
		t.Errorf("GET projects = %d %+v", status, list)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	p := h.project()
	c := h.connector(p.ID)
	base := "/api/projects/" + p.ID

	tests := []struct {
		name   string
		setup  func()
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{name: "validation", method: http.MethodPut, path: base + "/status", body: `{"status":"WARM"}`, status: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/api/projects", body: `{"name":`, status: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/projects", body: `{"nom":"x"}`, status: http.StatusBadRequest},
		{name: "unknown connector type", method: http.MethodPost, path: base + "/credentials", body: `{"name":"c","type":"nope","config":{}}`, status: http.StatusBadRequest},
		{
			name:   "credential rejected",
			setup:  func() { h.provider.Errors["ValidateCredentialConfig"] = errors.New("bad key") },
			method: http.MethodPost, path: base + "/credentials",
			body:   fmt.Sprintf(`{"name":"c","type":%q,"config":{}}`, connectorstest.Type),
			status: http.StatusUnprocessableEntity, kind: KindCredentialInvalid,
		},
		{
			name:   "connector rejected",
			setup:  func() { h.provider.Errors["ValidateConnectorConfig"] = errors.New("bad region") },
			method: http.MethodPost, path: base + "/connectors/" + c.ID + "/activate",
			status: http.StatusUnprocessableEntity, kind: KindConnectorInvalid,
		},
		{name: "project not found", method: http.MethodGet, path: "/api/projects/missing", status: http.StatusNotFound},
		{name: "task not found", method: http.MethodGet, path: "/api/tasks/missing", status: http.StatusNotFound},
		{name: "query not supported", method: http.MethodPost, path: base + "/credentials/" + c.CredentialID + "/query", body: `{"type":"regions"}`, status: http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}

			var body errorBody
			status := h.do(tt.method, tt.path, tt.body, &body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%+v)", status, tt.status, body)
			}
			if body.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", body.Kind, tt.kind)
			}
			if body.Message == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestConnectorLifecycle(t *testing.T) {
	h := newHarness(t)
	p := h.project()
	c := h.connector(p.ID)
	path := "/api/projects/" + p.ID + "/connectors/" + c.ID

	if status := h.do(http.MethodPost, path+"/install", nil, nil); status != http.StatusNoContent {
		t.Errorf("install without install phase = %d, want 204", status)
	}

	var got model.Connector
	if status := h.do(http.MethodPost, path+"/activate", nil, &got); status != http.StatusOK || !got.Active {
		t.Fatalf("activate = %d %+v", status, got)
	}

	var body errorBody
	if status := h.do(http.MethodDelete, path, nil, &body); status != http.StatusConflict {
		t.Errorf("delete active connector = %d, want 409", status)
	}

	var removed []model.Proxy
	status := h.do(http.MethodPost, path+"/proxies/remove", `[{"key":"k1","force":true}]`, &removed)
	if status != http.StatusOK || len(removed) != 1 || !removed[0].Removing {
		t.Errorf("remove = %d %+v", status, removed)
	}

	if status := h.do(http.MethodPost, path+"/deactivate", nil, &got); status != http.StatusOK || got.Active {
		t.Fatalf("deactivate = %d %+v", status, got)
	}

	if status := h.do(http.MethodDelete, path, nil, nil); status != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", status)
	}
	if status := h.do(http.MethodGet, path, nil, &body); status != http.StatusNotFound {
		t.Errorf("get deleted connector = %d, want 404", status)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)

	ws := "ws" + strings.TrimPrefix(h.url, "http") + "/api/events?projectId=p1"
	conn, _, err := websocket.DefaultDialer.Dial(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		h.api.mtx.RLock()
		n := len(h.api.clients)
		h.api.mtx.RUnlock()

		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.events.ch <- model.ProxyEvent{Kind: model.ProxyEventAdded, ProjectID: "p2", Key: "other"}
	h.events.ch <- model.ProxyEvent{Kind: model.ProxyEventUpdated, ProjectID: "p1", Key: "k1", Status: model.ProxyStatusStarted}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event model.ProxyEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatal(err)
	}
	if event.Key != "k1" || event.Status != model.ProxyStatusStarted {
		t.Errorf("event = %+v, want the p1 event only", event)
	}
}
