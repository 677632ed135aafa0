// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package api exposes the commander over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/commander"
	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/model"
)

const maxBodySize = 1 << 20

var errBadBody = errors.New("invalid request body")

type (
	// Commander is the set of operations served by the API.
	Commander interface {
		CreateProject(ctx context.Context, project *model.Project) (*model.Project, error)
		GetProject(ctx context.Context, id string) (*model.Project, error)
		ListProjects(ctx context.Context) ([]*model.Project, error)
		UpdateProject(ctx context.Context, id string, update commander.ProjectUpdate) (*model.Project, error)
		SetProjectStatus(ctx context.Context, id string, status model.ProjectStatus) (*model.Project, error)
		RecordProjectActivity(ctx context.Context, id string) error

		CreateCredential(ctx context.Context, projectID string, credential *model.Credential) (*model.Credential, error)
		ListCredentials(ctx context.Context, projectID string) ([]*model.Credential, error)
		QueryCredential(ctx context.Context, projectID, id string, query connectors.Query) (any, error)

		CreateConnector(ctx context.Context, projectID string, connector *model.Connector) (*model.Connector, error)
		GetConnector(ctx context.Context, projectID, id string) (*model.Connector, error)
		ListConnectors(ctx context.Context, projectID string) ([]*model.Connector, error)
		UpdateConnectorConfig(ctx context.Context, projectID, id string, update commander.ConnectorUpdate) (*model.Connector, error)
		InstallConnector(ctx context.Context, projectID, id string) (*model.Task, error)
		UninstallConnector(ctx context.Context, projectID, id string) (*model.Task, error)
		ActivateConnector(ctx context.Context, projectID, id string) (*model.Connector, error)
		DeactivateConnector(ctx context.Context, projectID, id string) (*model.Connector, error)
		DeleteConnector(ctx context.Context, projectID, id string) error

		ListProxies(ctx context.Context, projectID, connectorID string) ([]*model.Proxy, error)
		StartedProxies(ctx context.Context, projectID, connectorID string) ([]*model.Proxy, error)
		RemoveProxies(ctx context.Context, projectID, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error)

		GetTask(ctx context.Context, id string) (*model.Task, error)
		ListTasks(ctx context.Context, connectorID string) ([]*model.Task, error)
		CancelTask(ctx context.Context, id string) (*model.Task, error)
	}

	// EventSource publishes proxy events, see pool.Manager.
	EventSource interface {
		SubscribeStatusEvents() chan model.ProxyEvent
		UnsubscribeStatusEvents(ch chan model.ProxyEvent)
	}

	API struct {
		Log    zerolog.Logger
		HTTP   *core.HTTPServer
		cmd    Commander
		events EventSource

		upgrader websocket.Upgrader
		clients  map[*streamClient]struct{}
		mtx      sync.RWMutex
	}

	statusRequest struct {
		Status model.ProjectStatus `json:"status"`
	}
)

func New(http *core.HTTPServer, log zerolog.Logger, cmd Commander, events EventSource) *API {
	return &API{
		Log:     log.With().Str("module", "api").Logger(),
		HTTP:    http,
		cmd:     cmd,
		events:  events,
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// AddRoutes registers the API routes and starts forwarding proxy events.
func (a *API) AddRoutes(ctx context.Context) {
	const (
		project   = "/api/projects/{id}"
		connector = project + "/connectors/{cid}"
	)

	a.HTTP.Post("/api/projects", a.handle(a.createProject))
	a.HTTP.Get("/api/projects", a.handle(a.listProjects))
	a.HTTP.Get(project, a.handle(a.getProject))
	a.HTTP.Put(project, a.handle(a.updateProject))
	a.HTTP.Put(project+"/status", a.handle(a.setProjectStatus))
	a.HTTP.Post(project+"/activity", a.handle(a.recordActivity))

	a.HTTP.Post(project+"/credentials", a.handle(a.createCredential))
	a.HTTP.Get(project+"/credentials", a.handle(a.listCredentials))
	a.HTTP.Post(project+"/credentials/{cid}/query", a.handle(a.queryCredential))

	a.HTTP.Post(project+"/connectors", a.handle(a.createConnector))
	a.HTTP.Get(project+"/connectors", a.handle(a.listConnectors))
	a.HTTP.Get(connector, a.handle(a.getConnector))
	a.HTTP.Put(connector, a.handle(a.updateConnector))
	a.HTTP.Delete(connector, a.handle(a.deleteConnector))
	a.HTTP.Post(connector+"/install", a.handle(a.installConnector))
	a.HTTP.Post(connector+"/uninstall", a.handle(a.uninstallConnector))
	a.HTTP.Post(connector+"/activate", a.handle(a.activateConnector))
	a.HTTP.Post(connector+"/deactivate", a.handle(a.deactivateConnector))
	a.HTTP.Get(connector+"/tasks", a.handle(a.listTasks))

	a.HTTP.Get(connector+"/proxies", a.handle(a.listProxies))
	a.HTTP.Get(connector+"/proxies/started", a.handle(a.startedProxies))
	a.HTTP.Post(connector+"/proxies/remove", a.handle(a.removeProxies))

	a.HTTP.Get("/api/tasks/{id}", a.handle(a.getTask))
	a.HTTP.Post("/api/tasks/{id}/cancel", a.handle(a.cancelTask))

	a.HTTP.Get("/api/events", http.HandlerFunc(a.streamHandler))

	if a.events != nil {
		go a.streamProxyEvents(ctx)
	}
}

// handlerFunc returns the status and the body of a successful response.
type handlerFunc func(r *http.Request) (int, any, error)

func (a *API) handle(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, body, err := h(r)
		if err != nil {
			writeError(a.Log, w, err)
			return
		}

		writeJSON(a.Log, w, status, body)
	})
}

func decode[T any](r *http.Request) (*T, error) {
	v := new(T)

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadBody, err)
	}

	return v, nil
}

// Projects

func (a *API) createProject(r *http.Request) (int, any, error) {
	p, err := decode[model.Project](r)
	if err != nil {
		return 0, nil, err
	}

	p, err = a.cmd.CreateProject(r.Context(), p)

	return http.StatusCreated, p, err
}

func (a *API) listProjects(r *http.Request) (int, any, error) {
	ps, err := a.cmd.ListProjects(r.Context())
	return http.StatusOK, ps, err
}

func (a *API) getProject(r *http.Request) (int, any, error) {
	p, err := a.cmd.GetProject(r.Context(), r.PathValue("id"))
	return http.StatusOK, p, err
}

func (a *API) updateProject(r *http.Request) (int, any, error) {
	update, err := decode[commander.ProjectUpdate](r)
	if err != nil {
		return 0, nil, err
	}

	p, err := a.cmd.UpdateProject(r.Context(), r.PathValue("id"), *update)

	return http.StatusOK, p, err
}

func (a *API) setProjectStatus(r *http.Request) (int, any, error) {
	req, err := decode[statusRequest](r)
	if err != nil {
		return 0, nil, err
	}

	p, err := a.cmd.SetProjectStatus(r.Context(), r.PathValue("id"), req.Status)

	return http.StatusOK, p, err
}

func (a *API) recordActivity(r *http.Request) (int, any, error) {
	return http.StatusNoContent, nil, a.cmd.RecordProjectActivity(r.Context(), r.PathValue("id"))
}

// Credentials

func (a *API) createCredential(r *http.Request) (int, any, error) {
	c, err := decode[model.Credential](r)
	if err != nil {
		return 0, nil, err
	}

	c, err = a.cmd.CreateCredential(r.Context(), r.PathValue("id"), c)

	return http.StatusCreated, c, err
}

func (a *API) listCredentials(r *http.Request) (int, any, error) {
	cs, err := a.cmd.ListCredentials(r.Context(), r.PathValue("id"))
	return http.StatusOK, cs, err
}

func (a *API) queryCredential(r *http.Request) (int, any, error) {
	q, err := decode[connectors.Query](r)
	if err != nil {
		return 0, nil, err
	}

	res, err := a.cmd.QueryCredential(r.Context(), r.PathValue("id"), r.PathValue("cid"), *q)

	return http.StatusOK, res, err
}

// Connectors

func (a *API) createConnector(r *http.Request) (int, any, error) {
	c, err := decode[model.Connector](r)
	if err != nil {
		return 0, nil, err
	}

	c, err = a.cmd.CreateConnector(r.Context(), r.PathValue("id"), c)

	return http.StatusCreated, c, err
}

func (a *API) listConnectors(r *http.Request) (int, any, error) {
	cs, err := a.cmd.ListConnectors(r.Context(), r.PathValue("id"))
	return http.StatusOK, cs, err
}

func (a *API) getConnector(r *http.Request) (int, any, error) {
	c, err := a.cmd.GetConnector(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	return http.StatusOK, c, err
}

func (a *API) updateConnector(r *http.Request) (int, any, error) {
	update, err := decode[commander.ConnectorUpdate](r)
	if err != nil {
		return 0, nil, err
	}

	c, err := a.cmd.UpdateConnectorConfig(r.Context(), r.PathValue("id"), r.PathValue("cid"), *update)

	return http.StatusOK, c, err
}

func (a *API) deleteConnector(r *http.Request) (int, any, error) {
	return http.StatusNoContent, nil, a.cmd.DeleteConnector(r.Context(), r.PathValue("id"), r.PathValue("cid"))
}

// installConnector answers 204 when the provider has no install phase.
func (a *API) installConnector(r *http.Request) (int, any, error) {
	t, err := a.cmd.InstallConnector(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	if err == nil && t == nil {
		return http.StatusNoContent, nil, nil
	}

	return http.StatusAccepted, t, err
}

func (a *API) uninstallConnector(r *http.Request) (int, any, error) {
	t, err := a.cmd.UninstallConnector(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	if err == nil && t == nil {
		return http.StatusNoContent, nil, nil
	}

	return http.StatusAccepted, t, err
}

func (a *API) activateConnector(r *http.Request) (int, any, error) {
	c, err := a.cmd.ActivateConnector(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	return http.StatusOK, c, err
}

func (a *API) deactivateConnector(r *http.Request) (int, any, error) {
	c, err := a.cmd.DeactivateConnector(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	return http.StatusOK, c, err
}

func (a *API) listTasks(r *http.Request) (int, any, error) {
	if _, err := a.cmd.GetConnector(r.Context(), r.PathValue("id"), r.PathValue("cid")); err != nil {
		return 0, nil, err
	}

	ts, err := a.cmd.ListTasks(r.Context(), r.PathValue("cid"))

	return http.StatusOK, ts, err
}

// Proxies

func (a *API) listProxies(r *http.Request) (int, any, error) {
	ps, err := a.cmd.ListProxies(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	return http.StatusOK, ps, err
}

func (a *API) startedProxies(r *http.Request) (int, any, error) {
	ps, err := a.cmd.StartedProxies(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	return http.StatusOK, ps, err
}

func (a *API) removeProxies(r *http.Request) (int, any, error) {
	reqs, err := decode[[]model.RemoveRequest](r)
	if err != nil {
		return 0, nil, err
	}

	ps, err := a.cmd.RemoveProxies(r.Context(), r.PathValue("id"), r.PathValue("cid"), *reqs)

	return http.StatusOK, ps, err
}

// Tasks

func (a *API) getTask(r *http.Request) (int, any, error) {
	t, err := a.cmd.GetTask(r.Context(), r.PathValue("id"))
	return http.StatusOK, t, err
}

func (a *API) cancelTask(r *http.Request) (int, any, error) {
	t, err := a.cmd.CancelTask(r.Context(), r.PathValue("id"))
	return http.StatusOK, t, err
}
