// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import (
	"github.com/yichenchong/proxyfleet/internal/model"
)

const subscriberBuffer = 64

// SubscribeStatusEvents returns a channel of proxy events.
// Events are sent after each committed change.
func (m *Manager) SubscribeStatusEvents() chan model.ProxyEvent {
	ch := make(chan model.ProxyEvent, subscriberBuffer)

	m.mtx.Lock()
	m.statusSubscribers[ch] = struct{}{}
	m.mtx.Unlock()

	return ch
}

// UnsubscribeStatusEvents removes the channel subscribed in SubscribeStatusEvents
func (m *Manager) UnsubscribeStatusEvents(ch chan model.ProxyEvent) {
	m.mtx.Lock()
	delete(m.statusSubscribers, ch)
	m.mtx.Unlock()
	close(ch)
}

// broadcastStatusEvents never blocks: slow subscribers miss events.
func (m *Manager) broadcastStatusEvents(event model.ProxyEvent) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	for ch := range m.statusSubscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (m *Manager) broadcastChanges(connector *model.Connector, before, created, updated, removed []*model.Proxy) {
	status := make(map[string]model.ProxyStatus, len(before))
	for _, p := range before {
		status[p.ID] = p.Status
	}

	for _, p := range created {
		m.broadcastStatusEvents(proxyEvent(model.ProxyEventAdded, p))
	}
	for _, p := range updated {
		if status[p.ID] != p.Status {
			m.broadcastStatusEvents(proxyEvent(model.ProxyEventUpdated, p))
		}
	}
	for _, p := range removed {
		e := proxyEvent(model.ProxyEventRemoved, p)
		e.ProjectID = connector.ProjectID
		m.broadcastStatusEvents(e)
	}
}

func proxyEvent(kind model.ProxyEventKind, p *model.Proxy) model.ProxyEvent {
	return model.ProxyEvent{
		Kind:        kind,
		ProjectID:   p.ProjectID,
		ConnectorID: p.ConnectorID,
		ProxyID:     p.ID,
		Key:         p.Key,
		Status:      p.Status,
	}
}
