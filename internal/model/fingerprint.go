// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

type (
	// Fingerprint is the identity seen by the outside world through a proxy.
	Fingerprint struct {
		IP            string   `json:"ip"`
		UserAgent     string   `json:"useragent,omitempty"`
		ASNName       string   `json:"asnName,omitempty"`
		ASNNetwork    string   `json:"asnNetwork,omitempty"`
		ContinentCode string   `json:"continentCode,omitempty"`
		ContinentName string   `json:"continentName,omitempty"`
		CountryCode   string   `json:"countryCode,omitempty"`
		CountryName   string   `json:"countryName,omitempty"`
		CityName      string   `json:"cityName,omitempty"`
		Timezone      string   `json:"timezone,omitempty"`
		Latitude      *float64 `json:"latitude,omitempty"`
		Longitude     *float64 `json:"longitude,omitempty"`
	}

	FingerprintMode string
)

const (
	FingerprintModeConnector   FingerprintMode = "connector"
	FingerprintModeInstall     FingerprintMode = "install"
	FingerprintModeFreeproxies FingerprintMode = "freeproxies"
)
