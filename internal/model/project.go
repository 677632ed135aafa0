// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

type ProjectStatus string

const (
	ProjectStatusOff  ProjectStatus = "OFF"
	ProjectStatusCalm ProjectStatus = "CALM"
	ProjectStatusHot  ProjectStatus = "HOT"
)

type (
	Project struct {
		ID                 string        `json:"id"`
		Name               string        `json:"name" validate:"required,max=64"`
		Status             ProjectStatus `json:"status" validate:"oneof=OFF CALM HOT"`
		ConnectorDefaultID string        `json:"connectorDefaultId,omitempty"`
		ProxiesMin         int           `json:"proxiesMin" validate:"gte=0"`
		AutoRotate         AutoRotate    `json:"autoRotate"`
		AutoScaleUp        bool          `json:"autoScaleUp"`
		AutoScaleDown      AutoScaleDown `json:"autoScaleDown"`
		LastDataTs         int64         `json:"lastDataTs"`
	}

	// AutoRotate bounds, in milliseconds, how long a proxy lives before
	// being rotated out.
	AutoRotate struct {
		Enabled bool  `json:"enabled"`
		Min     int64 `json:"min" validate:"gte=0"`
		Max     int64 `json:"max" validate:"gtefield=Min"`
	}

	// AutoScaleDown switches a HOT project to CALM after Value ms without traffic.
	AutoScaleDown struct {
		Enabled bool  `json:"enabled"`
		Value   int64 `json:"value" validate:"gte=0"`
	}
)
