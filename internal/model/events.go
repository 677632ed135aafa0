// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

type (
	ProxyEventKind string

	// ProxyEvent is broadcast to status subscribers after a pool change
	// is committed.
	ProxyEvent struct {
		Kind        ProxyEventKind `json:"kind"`
		ProjectID   string         `json:"projectId"`
		ConnectorID string         `json:"connectorId"`
		ProxyID     string         `json:"proxyId"`
		Key         string         `json:"key"`
		Status      ProxyStatus    `json:"status"`
	}
)

const (
	ProxyEventAdded   ProxyEventKind = "added"
	ProxyEventUpdated ProxyEventKind = "updated"
	ProxyEventRemoved ProxyEventKind = "removed"
)
