// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

type ProxyStatus string

const (
	ProxyStatusStarting ProxyStatus = "STARTING"
	ProxyStatusStarted  ProxyStatus = "STARTED"
	ProxyStatusStopping ProxyStatus = "STOPPING"
	ProxyStatusStopped  ProxyStatus = "STOPPED"
	ProxyStatusError    ProxyStatus = "ERROR"
)

// transitions lists, for each status, the statuses a proxy may move to.
// ERROR is reachable from everywhere because the provider can fault at any time.
var transitions = map[ProxyStatus][]ProxyStatus{
	ProxyStatusStarting: {ProxyStatusStarted, ProxyStatusStopping, ProxyStatusStopped, ProxyStatusError},
	ProxyStatusStarted:  {ProxyStatusStarting, ProxyStatusStopping, ProxyStatusStopped, ProxyStatusError},
	ProxyStatusStopping: {ProxyStatusStopped, ProxyStatusError},
	ProxyStatusStopped:  {ProxyStatusStarting, ProxyStatusError},
	ProxyStatusError:    {ProxyStatusError},
}

func (s ProxyStatus) String() string {
	return string(s)
}

func (s ProxyStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a proxy may go from s to next.
func (s ProxyStatus) CanTransition(next ProxyStatus) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsRemovable is true for statuses that are removed without waiting.
func (s ProxyStatus) IsRemovable() bool {
	return s == ProxyStatusError
}

// IsTerminal is true for retained but inactive proxies.
func (s ProxyStatus) IsTerminal() bool {
	return s == ProxyStatusStopped
}
