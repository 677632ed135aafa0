// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package connectors

import (
	"errors"

	"github.com/yichenchong/proxyfleet/internal/model"
)

type (
	// Phase is where a provider error happened.
	Phase string

	// NotFoundPolicy is what a not-found error means in a phase.
	NotFoundPolicy int

	// NotFoundTable is declared by each provider: a classifier for its own
	// not-found errors, and the policy to apply per phase.
	NotFoundTable struct {
		IsNotFound func(error) bool
		Policies   map[Phase]NotFoundPolicy
	}
)

const (
	PhaseRefresh   Phase = "refresh"
	PhaseInstall   Phase = "install"
	PhaseUninstall Phase = "uninstall"
	PhaseCancel    Phase = "cancel"
)

const (
	// NotFoundFail propagates the error.
	NotFoundFail NotFoundPolicy = iota
	// NotFoundTransient retries later: the resource is not there yet.
	NotFoundTransient
	// NotFoundSuccess treats the error as the expected outcome.
	NotFoundSuccess
	// NotFoundSkip skips the current sub-step.
	NotFoundSkip
)

func (p NotFoundPolicy) String() string {
	switch p {
	case NotFoundTransient:
		return "transient"
	case NotFoundSuccess:
		return "success"
	case NotFoundSkip:
		return "skip"
	default:
		return "fail"
	}
}

// DefaultNotFoundPolicies is the common mapping: a resource missing during
// refresh or install is not there yet, missing during uninstall or cancel is
// already gone.
func DefaultNotFoundPolicies() map[Phase]NotFoundPolicy {
	return map[Phase]NotFoundPolicy{
		PhaseRefresh:   NotFoundTransient,
		PhaseInstall:   NotFoundTransient,
		PhaseUninstall: NotFoundSuccess,
		PhaseCancel:    NotFoundSkip,
	}
}

func NewNotFoundTable(isNotFound func(error) bool, policies map[Phase]NotFoundPolicy) *NotFoundTable {
	if policies == nil {
		policies = DefaultNotFoundPolicies()
	}

	return &NotFoundTable{
		IsNotFound: isNotFound,
		Policies:   policies,
	}
}

// Matches reports whether err is a not-found error of the provider.
func (t *NotFoundTable) Matches(err error) bool {
	if err == nil || t == nil {
		return false
	}
	if errors.Is(err, model.ErrNotFound) {
		return true
	}

	return t.IsNotFound != nil && t.IsNotFound(err)
}

// Resolve returns the policy for err in phase. Errors that are not
// not-found errors always resolve to NotFoundFail.
func (t *NotFoundTable) Resolve(phase Phase, err error) NotFoundPolicy {
	if !t.Matches(err) {
		return NotFoundFail
	}

	p, ok := t.Policies[phase]
	if !ok {
		return NotFoundFail
	}

	return p
}
