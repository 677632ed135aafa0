// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import "testing"

func TestProxyStatusCanTransition(t *testing.T) {
	tests := []struct {
		from ProxyStatus
		to   ProxyStatus
		want bool
	}{
		{ProxyStatusStarting, ProxyStatusStarted, true},
		{ProxyStatusStarted, ProxyStatusStarting, true},
		{ProxyStatusStopping, ProxyStatusStarted, false},
		{ProxyStatusStopped, ProxyStatusStarted, false},
		{ProxyStatusStopped, ProxyStatusStarting, true},
		{ProxyStatusError, ProxyStatusStarted, false},
		{ProxyStatusError, ProxyStatusError, true},
		{ProxyStatusStarted, ProxyStatusError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProxyStatusFlags(t *testing.T) {
	if !ProxyStatusError.IsRemovable() {
		t.Error("ERROR should be removable")
	}
	if ProxyStatusStarted.IsRemovable() {
		t.Error("STARTED should not be removable")
	}
	if !ProxyStatusStopped.IsTerminal() {
		t.Error("STOPPED should be terminal")
	}
	if ProxyStatus("UNKNOWN").Valid() {
		t.Error("unknown status should not be valid")
	}
}
