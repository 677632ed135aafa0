// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/yichenchong/proxyfleet/internal/model"
)

// Memory keeps everything in maps guarded by one mutex.
type Memory struct {
	projects    map[string]*model.Project
	credentials map[string]*model.Credential
	connectors  map[string]*model.Connector
	proxies     map[string]map[string]*model.Proxy
	tasks       map[string]*model.Task
	owners      map[string]string

	mtx sync.RWMutex
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		projects:    make(map[string]*model.Project),
		credentials: make(map[string]*model.Credential),
		connectors:  make(map[string]*model.Connector),
		proxies:     make(map[string]map[string]*model.Proxy),
		tasks:       make(map[string]*model.Task),
		owners:      make(map[string]string),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateProject(_ context.Context, project *model.Project) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	cp := *project
	m.projects[project.ID] = &cp

	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*model.Project, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, model.ErrProjectNotFound
	}
	cp := *p

	return &cp, nil
}

func (m *Memory) UpdateProject(_ context.Context, project *model.Project) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.projects[project.ID]; !ok {
		return model.ErrProjectNotFound
	}
	cp := *project
	m.projects[project.ID] = &cp

	return nil
}

func (m *Memory) ListProjects(_ context.Context) ([]*model.Project, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*model.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *model.Project) int { return cmp.Compare(a.Name, b.Name) })

	return out, nil
}

func (m *Memory) CreateCredential(_ context.Context, credential *model.Credential) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.projects[credential.ProjectID]; !ok {
		return model.ErrProjectNotFound
	}
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}
	m.credentials[credential.ID] = cloneCredential(credential)

	return nil
}

func (m *Memory) GetCredential(_ context.Context, projectID, id string) (*model.Credential, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	c, ok := m.credentials[id]
	if !ok || c.ProjectID != projectID {
		return nil, model.ErrCredentialNotFound
	}

	return cloneCredential(c), nil
}

func (m *Memory) ListCredentials(_ context.Context, projectID string) ([]*model.Credential, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := []*model.Credential{}
	for _, c := range m.credentials {
		if c.ProjectID == projectID {
			out = append(out, cloneCredential(c))
		}
	}
	slices.SortFunc(out, func(a, b *model.Credential) int { return cmp.Compare(a.Name, b.Name) })

	return out, nil
}

func (m *Memory) CreateConnector(_ context.Context, connector *model.Connector) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.projects[connector.ProjectID]; !ok {
		return model.ErrProjectNotFound
	}
	if connector.ID == "" {
		connector.ID = uuid.NewString()
	}
	m.connectors[connector.ID] = connector.Clone()

	return nil
}

func (m *Memory) GetConnector(_ context.Context, projectID, id string) (*model.Connector, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	c, ok := m.connectors[id]
	if !ok || (projectID != "" && c.ProjectID != projectID) {
		return nil, model.ErrConnectorNotFound
	}

	return c.Clone(), nil
}

func (m *Memory) UpdateConnector(_ context.Context, connector *model.Connector) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.connectors[connector.ID]; !ok {
		return model.ErrConnectorNotFound
	}
	m.connectors[connector.ID] = connector.Clone()

	return nil
}

func (m *Memory) DeleteConnector(_ context.Context, projectID, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c, ok := m.connectors[id]
	if !ok || c.ProjectID != projectID {
		return model.ErrConnectorNotFound
	}
	delete(m.connectors, id)
	delete(m.proxies, id)

	return nil
}

func (m *Memory) ListConnectors(_ context.Context, projectID string) ([]*model.Connector, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := []*model.Connector{}
	for _, c := range m.connectors {
		if projectID == "" || c.ProjectID == projectID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Connector) int { return cmp.Compare(a.ID, b.ID) })

	return out, nil
}

func (m *Memory) ListProxies(_ context.Context, connectorID string) ([]*model.Proxy, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*model.Proxy, 0, len(m.proxies[connectorID]))
	for _, p := range m.proxies[connectorID] {
		out = append(out, p.Clone())
	}
	sortProxies(out)

	return out, nil
}

func (m *Memory) SyncProxies(_ context.Context, connectorID string, created, updated []*model.Proxy, removedIDs []string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.connectors[connectorID]; !ok {
		return model.ErrConnectorNotFound
	}

	pool, ok := m.proxies[connectorID]
	if !ok {
		pool = make(map[string]*model.Proxy)
		m.proxies[connectorID] = pool
	}

	for _, p := range created {
		pool[p.ID] = p.Clone()
	}
	for _, p := range updated {
		pool[p.ID] = p.Clone()
	}
	for _, id := range removedIDs {
		delete(pool, id)
	}

	return nil
}

func (m *Memory) UpdateProxiesFingerprint(_ context.Context, connectorID string, results []FingerprintResult, now int64) ([]*model.Proxy, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	pool := m.proxies[connectorID]
	out := []*model.Proxy{}
	for _, r := range results {
		p, ok := pool[r.ProxyID]
		if !ok || p.Removing {
			continue
		}
		p.ApplyFingerprint(r.Fingerprint, now)
		out = append(out, p.Clone())
	}

	return out, nil
}

func (m *Memory) MarkProxiesRemoving(_ context.Context, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	pool := m.proxies[connectorID]
	out := []*model.Proxy{}
	for _, r := range reqs {
		p, ok := pool[model.ProxyID(connectorID, r.Key)]
		if !ok {
			continue
		}
		p.Removing = true
		p.RemovingForce = p.RemovingForce || r.Force
		out = append(out, p.Clone())
	}

	return out, nil
}

func (m *Memory) CreateTask(_ context.Context, task *model.Task) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if task.Running && task.ConnectorID != "" {
		for _, t := range m.tasks {
			if t.Running && t.ConnectorID == task.ConnectorID {
				return model.ErrTaskAlreadyRunning
			}
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	m.tasks[task.ID] = task.Clone()

	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}

	return t.Clone(), nil
}

func (m *Memory) ListTasks(_ context.Context, connectorID string) ([]*model.Task, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := []*model.Task{}
	for _, t := range m.tasks {
		if connectorID == "" || t.ConnectorID == connectorID {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)

	return out, nil
}

func (m *Memory) GetRunningTask(_ context.Context, connectorID string) (*model.Task, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	for _, t := range m.tasks {
		if t.Running && t.ConnectorID == connectorID {
			return t.Clone(), nil
		}
	}

	return nil, model.ErrTaskNotFound
}

func (m *Memory) ListDueTasks(_ context.Context, now int64) ([]*model.Task, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := []*model.Task{}
	for _, t := range m.tasks {
		if t.Running && t.NextRetryTs <= now {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)

	return out, nil
}

func (m *Memory) ClaimTask(_ context.Context, id, owner string, expected, leaseUntil int64) (*model.Task, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	if !t.Running || t.NextRetryTs != expected {
		return nil, model.ErrTaskNotClaimed
	}

	t.NextRetryTs = leaseUntil
	m.owners[id] = owner

	return t.Clone(), nil
}

func (m *Memory) UpdateTask(_ context.Context, task *model.Task) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	old, ok := m.tasks[task.ID]
	if !ok {
		return model.ErrTaskNotFound
	}

	cp := task.Clone()
	// a cancel request made while the step ran must survive the write
	cp.CancelRequested = cp.CancelRequested || old.CancelRequested
	if cp.CancelRequested && cp.Running {
		cp.NextRetryTs = 0
	}
	m.tasks[task.ID] = cp

	if !cp.Running {
		delete(m.owners, task.ID)
	}

	return nil
}

func (m *Memory) RequestTaskCancel(_ context.Context, id string) (*model.Task, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	if t.Running {
		t.CancelRequested = true
		t.NextRetryTs = 0
	}

	return t.Clone(), nil
}

func cloneCredential(c *model.Credential) *model.Credential {
	cp := *c
	cp.Config = append(json.RawMessage(nil), c.Config...)
	return &cp
}

func sortProxies(ps []*model.Proxy) {
	slices.SortFunc(ps, func(a, b *model.Proxy) int {
		return cmp.Or(cmp.Compare(a.CreatedTs, b.CreatedTs), cmp.Compare(a.Key, b.Key))
	})
}

func sortTasks(ts []*model.Task) {
	slices.SortFunc(ts, func(a, b *model.Task) int {
		return cmp.Or(cmp.Compare(a.StartAtTs, b.StartAtTs), cmp.Compare(a.ID, b.ID))
	})
}
