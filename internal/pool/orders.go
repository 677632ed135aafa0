// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import (
	"cmp"
	"slices"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// Reason tells why a proxy is removed.
type Reason string

const (
	ReasonError        Reason = "error"
	ReasonDisconnected Reason = "disconnected"
	ReasonUnreachable  Reason = "unreachable"
	ReasonRotate       Reason = "rotate"
	ReasonScaleDown    Reason = "scaledown"
	ReasonRequested    Reason = "requested"
)

type (
	// ConvergeInput is everything one pass decides from.
	ConvergeInput struct {
		Now       int64
		Project   *model.Project
		Connector *model.Connector
		Factory   connectors.FactoryConfig

		// Stored is the committed pool, Remote what the provider reported
		// for the stored keys.
		Stored []*model.Proxy
		Remote []connectors.ProxyState

		// MaxRotatePerPass bounds rotation. Zero means no bound.
		MaxRotatePerPass int
	}

	Removal struct {
		Key    string
		Force  bool
		Reason Reason
	}

	// Orders is the outcome of one pass.
	Orders struct {
		// Updated holds every stored proxy the provider still reports,
		// merged with the remote state.
		Updated []*model.Proxy

		// Gone holds stored proxies the provider no longer reports.
		Gone []*model.Proxy

		// Refused lists keys whose reported status was not a legal
		// transition. They keep their previous status.
		Refused []string

		Target          int
		CreateCount     int
		TotalCountAfter int
		ExcludeKeys     []string
		KeysToStart     []string
		Remove          []Removal

		// ProjectStatus is set when auto scale-down switched the project.
		ProjectStatus *model.ProjectStatus
	}
)

// ComputeOrders decides one convergence pass. It does not call anything:
// the result only depends on its input.
func ComputeOrders(in ConvergeInput) Orders {
	out := Orders{}

	// refresh
	remote := make(map[string]connectors.ProxyState, len(in.Remote))
	for _, s := range in.Remote {
		remote[s.Key] = s
	}

	alive := make([]*model.Proxy, 0, len(in.Stored))
	for _, stored := range in.Stored {
		out.ExcludeKeys = append(out.ExcludeKeys, stored.Key)

		s, ok := remote[stored.Key]
		if !ok {
			out.Gone = append(out.Gone, stored)
			continue
		}

		p := stored.Clone()
		if !mergeState(p, s, in.Factory, in.Now) {
			out.Refused = append(out.Refused, p.Key)
		}
		out.Updated = append(out.Updated, p)
		alive = append(alive, p)
	}

	reasons := make(map[string]Reason)
	mark := func(p *model.Proxy, r Reason) {
		if _, ok := reasons[p.Key]; ok {
			return
		}
		p.Removing = true
		reasons[p.Key] = r
	}

	// timeout
	for _, p := range alive {
		switch {
		case p.Removing:
			mark(p, ReasonRequested)
		case p.Status.IsRemovable():
			mark(p, ReasonError)
		case timedOut(p, in.Connector, in.Now):
			if p.Fingerprint != nil && in.Connector.ProxiesTimeoutUnreachable.Enabled {
				mark(p, ReasonUnreachable)
			} else {
				mark(p, ReasonDisconnected)
			}
		}
		// stopped proxies left unmarked are restarted below
	}

	// scale-down
	project := in.Project
	if project.Status == model.ProjectStatusHot &&
		project.AutoScaleDown.Enabled &&
		in.Now-project.LastDataTs > project.AutoScaleDown.Value {
		calm := model.ProjectStatusCalm
		out.ProjectStatus = &calm
	}

	status := project.Status
	if out.ProjectStatus != nil {
		status = *out.ProjectStatus
	}
	out.Target = target(status, project, in.Connector)

	members := oldestFirst(unmarked(alive, reasons))
	for i := 0; i < len(members)-out.Target; i++ {
		mark(members[i], ReasonScaleDown)
	}

	// rotation
	if status == model.ProjectStatusHot && project.AutoRotate.Enabled {
		rotated := 0
		for _, p := range oldestFirst(unmarked(alive, reasons)) {
			if in.MaxRotatePerPass > 0 && rotated >= in.MaxRotatePerPass {
				break
			}
			if in.Now-p.CreatedTs > rotateDelay(project.AutoRotate, p.AutoRotateDelayFactor) {
				mark(p, ReasonRotate)
				rotated++
			}
		}
	}

	// scale-up
	kept := unmarked(alive, reasons)
	out.CreateCount = max(out.Target-len(kept), 0)
	out.TotalCountAfter = len(kept) + out.CreateCount

	for _, p := range kept {
		if p.Status.IsTerminal() {
			out.KeysToStart = append(out.KeysToStart, p.Key)
		}
	}

	for _, p := range alive {
		r, ok := reasons[p.Key]
		if !ok {
			continue
		}
		out.Remove = append(out.Remove, Removal{
			Key:    p.Key,
			Force:  p.RemovingForce || p.RemovingForceCap || in.Factory.RemovingForceCap,
			Reason: r,
		})
	}

	return out
}

// mergeState copies a provider report into p and recomputes its status.
func mergeState(p *model.Proxy, s connectors.ProxyState, f connectors.FactoryConfig, now int64) bool {
	if s.Name != "" {
		p.Name = s.Name
	}
	if s.Type != "" {
		p.Type = s.Type
	}
	if s.TransportType != "" {
		p.TransportType = s.TransportType
	}
	if len(s.Config) > 0 {
		p.Config = s.Config
	}
	p.CountryLike = s.CountryLike
	p.RemovingForceCap = s.RemovingForceCap || f.RemovingForceCap
	p.ProviderStatus = s.Status
	p.LastRefreshTs = now

	return p.DeriveStatus(now)
}

// NewProxy builds the stored proxy for a state returned by CreateProxies.
// It counts as disconnected until the fingerprint gate reaches it.
func NewProxy(c *model.Connector, s connectors.ProxyState, f connectors.FactoryConfig, now int64, factor float64) *model.Proxy {
	disconnected := now
	p := &model.Proxy{
		ID:                    model.ProxyID(c.ID, s.Key),
		ConnectorID:           c.ID,
		ProjectID:             c.ProjectID,
		Type:                  cmp.Or(s.Type, c.Type),
		TransportType:         cmp.Or(s.TransportType, f.TransportType),
		Key:                   s.Key,
		Name:                  cmp.Or(s.Name, s.Key),
		ProviderStatus:        s.Status,
		Config:                s.Config,
		CountryLike:           s.CountryLike,
		RemovingForceCap:      s.RemovingForceCap || f.RemovingForceCap,
		DisconnectedTs:        &disconnected,
		AutoRotateDelayFactor: factor,
		CreatedTs:             now,
		LastRefreshTs:         now,
	}
	p.DeriveStatus(now)

	return p
}

// timedOut applies the disconnected timeout to proxies never reached, and
// the unreachable timeout, when enabled, to proxies reached at least once.
func timedOut(p *model.Proxy, c *model.Connector, now int64) bool {
	if p.DisconnectedTs == nil || p.Status == model.ProxyStatusStarted {
		return false
	}

	elapsed := now - *p.DisconnectedTs
	if p.Fingerprint != nil && c.ProxiesTimeoutUnreachable.Enabled {
		return elapsed > c.ProxiesTimeoutUnreachable.Value
	}

	return elapsed > c.ProxiesTimeoutDisconnected
}

func target(status model.ProjectStatus, p *model.Project, c *model.Connector) int {
	if !c.Active {
		return 0
	}

	switch status {
	case model.ProjectStatusHot:
		return c.ProxiesMax
	case model.ProjectStatusCalm:
		if p.ConnectorDefaultID != c.ID {
			return 0
		}
		return min(p.ProxiesMin, c.ProxiesMax)
	default:
		return 0
	}
}

func rotateDelay(r model.AutoRotate, factor float64) int64 {
	return r.Min + int64(float64(r.Max-r.Min)*factor)
}

func unmarked(ps []*model.Proxy, reasons map[string]Reason) []*model.Proxy {
	out := make([]*model.Proxy, 0, len(ps))
	for _, p := range ps {
		if _, ok := reasons[p.Key]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func oldestFirst(ps []*model.Proxy) []*model.Proxy {
	slices.SortStableFunc(ps, func(a, b *model.Proxy) int {
		return cmp.Or(cmp.Compare(a.CreatedTs, b.CreatedTs), cmp.Compare(a.Key, b.Key))
	})
	return ps
}
