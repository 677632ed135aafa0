// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import "encoding/json"

// Credential is a stored secret bundle for one provider type.
type Credential struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name" validate:"required,max=64"`
	Type      string          `json:"type" validate:"required"`
	Config    json.RawMessage `json:"config"`
}
