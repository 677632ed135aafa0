// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package consts

import "time"

const (
	PermAllRead    = 0o444
	PermOwnerWrite = 0o200
	PermOwnerAll   = 0o700
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderSessionID = "X-Session-ID"
)

const (
	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "PROXYFLEET"

	DefaultConfigFile = "/config/proxyfleet.yaml"
)

const (
	// TaskStepDelay is the delay between two steps of a task.
	TaskStepDelay = 500 * time.Millisecond

	// TaskWaitDelay is the delay used by a step waiting on a provider resource.
	TaskWaitDelay = 2 * time.Second

	// TaskMaxBackoff bounds the backoff after transient step errors.
	TaskMaxBackoff = 5 * time.Minute

	// TaskLease is how long a claimed task is reserved for its owner.
	TaskLease = time.Minute
)
