// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

// Certificate is a PEM encoded certificate and key pair.
type Certificate struct {
	Cert      string `json:"cert"`
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expiresAt"`
}
