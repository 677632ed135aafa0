// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package connectorstest provides an in-memory provider for tests.
package connectorstest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

const Type = "fake"

type (
	// Provider is a Factory and a Service backed by a map.
	Provider struct {
		Cfg connectors.FactoryConfig

		// Capacity limits how many proxies one CreateProxies call returns.
		// Zero means unlimited.
		Capacity int

		// ReuseKeys makes CreateProxies return keys from this list first,
		// to check that callers filter excluded keys.
		ReuseKeys []string

		// Errors returned by the next calls, by method name.
		Errors map[string]error

		// AsyncRemove keeps removed proxies in STOPPING and returns no keys.
		AsyncRemove bool

		Calls []Call

		proxies map[string]*connectors.ProxyState
		next    int
		mtx     sync.Mutex
	}

	Call struct {
		Method  string
		Keys    []string
		Create  connectors.CreateRequest
		Removes []model.RemoveRequest
	}
)

var (
	_ connectors.Factory = (*Provider)(nil)
	_ connectors.Service = (*Provider)(nil)
)

func New() *Provider {
	return &Provider{
		Cfg: connectors.FactoryConfig{
			RefreshDelay:  time.Second,
			TransportType: connectors.TransportProxy,
		},
		Errors:  make(map[string]error),
		proxies: make(map[string]*connectors.ProxyState),
	}
}

func (p *Provider) Type() string                        { return Type }
func (p *Provider) Config() connectors.FactoryConfig    { return p.Cfg }
func (p *Provider) NotFound() *connectors.NotFoundTable { return connectors.NewNotFoundTable(nil, nil) }

func (p *Provider) ValidateCredentialConfig(_ context.Context, _ json.RawMessage) error {
	return p.err("ValidateCredentialConfig")
}

func (p *Provider) ValidateConnectorConfig(_ context.Context, _, _ json.RawMessage) error {
	return p.err("ValidateConnectorConfig")
}

func (p *Provider) BuildConnectorService(_ context.Context, _ connectors.Snapshot) (connectors.Service, error) {
	if err := p.err("BuildConnectorService"); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) BuildInstallCommand(_ context.Context, _ connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (p *Provider) BuildUninstallCommand(_ context.Context, _ connectors.InstallRequest) (*model.Task, error) {
	return nil, model.ErrNotImplemented
}

func (p *Provider) QueryCredential(_ context.Context, _ json.RawMessage, _ connectors.Query) (any, error) {
	return nil, model.ErrNotImplemented
}

func (p *Provider) GetProxies(_ context.Context, keys []string) ([]connectors.ProxyState, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.Calls = append(p.Calls, Call{Method: "GetProxies", Keys: slices.Clone(keys)})
	if err := p.errLocked("GetProxies"); err != nil {
		return nil, err
	}

	out := []connectors.ProxyState{}
	for _, k := range keys {
		if s, ok := p.proxies[k]; ok {
			out = append(out, *s)
		}
	}

	return out, nil
}

func (p *Provider) CreateProxies(_ context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.Calls = append(p.Calls, Call{Method: "CreateProxies", Create: req})
	if err := p.errLocked("CreateProxies"); err != nil {
		return nil, err
	}

	count := req.Count
	if p.Capacity > 0 && count > p.Capacity {
		count = p.Capacity
	}

	out := []connectors.ProxyState{}
	for _, k := range p.ReuseKeys {
		out = append(out, p.state(k))
	}
	for i := 0; i < count; i++ {
		p.next++
		key := fmt.Sprintf("p%d", p.next)
		s := p.state(key)
		p.proxies[key] = &s
		out = append(out, s)
	}

	return out, nil
}

func (p *Provider) StartProxies(_ context.Context, keys []string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.Calls = append(p.Calls, Call{Method: "StartProxies", Keys: slices.Clone(keys)})
	if err := p.errLocked("StartProxies"); err != nil {
		return err
	}

	for _, k := range keys {
		if s, ok := p.proxies[k]; ok && s.Status == model.ProxyStatusStopped {
			s.Status = model.ProxyStatusStarting
		}
	}

	return nil
}

func (p *Provider) RemoveProxies(_ context.Context, proxies []model.RemoveRequest) ([]string, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.Calls = append(p.Calls, Call{Method: "RemoveProxies", Removes: slices.Clone(proxies)})
	if err := p.errLocked("RemoveProxies"); err != nil {
		return nil, err
	}

	removed := []string{}
	for _, r := range proxies {
		s, ok := p.proxies[r.Key]
		if !ok {
			continue
		}
		if p.AsyncRemove {
			s.Status = model.ProxyStatusStopping
			continue
		}
		delete(p.proxies, r.Key)
		removed = append(removed, r.Key)
	}

	return removed, nil
}

// SetStatus changes the status reported for key.
func (p *Provider) SetStatus(key string, status model.ProxyStatus) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if s, ok := p.proxies[key]; ok {
		s.Status = status
	}
}

// Drop forgets key, as if the provider lost it.
func (p *Provider) Drop(key string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	delete(p.proxies, key)
}

// Keys returns the keys currently held by the provider.
func (p *Provider) Keys() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	keys := make([]string, 0, len(p.proxies))
	for k := range p.proxies {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}

// CallsTo returns the recorded calls of one method.
func (p *Provider) CallsTo(method string) []Call {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var out []Call
	for _, c := range p.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}

	return out
}

func (p *Provider) ResetCalls() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.Calls = nil
}

func (p *Provider) state(key string) connectors.ProxyState {
	return connectors.ProxyState{
		Key:              key,
		Name:             key,
		Type:             Type,
		TransportType:    p.Cfg.TransportType,
		Status:           model.ProxyStatusStarting,
		Config:           connectors.TransportConfig("127.0.0.1", 3128, nil, nil),
		RemovingForceCap: p.Cfg.RemovingForceCap,
	}
}

func (p *Provider) err(method string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.errLocked(method)
}

func (p *Provider) errLocked(method string) error {
	err := p.Errors[method]
	delete(p.Errors, method)

	return err
}
