// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotImplemented is returned by providers for optional operations
	// they do not support. It is a sentinel, not a failure.
	ErrNotImplemented = errors.New("not implemented")

	ErrNotFound            = errors.New("not found")
	ErrProjectNotFound     = fmt.Errorf("project %w", ErrNotFound)
	ErrCredentialNotFound  = fmt.Errorf("credential %w", ErrNotFound)
	ErrConnectorNotFound   = fmt.Errorf("connector %w", ErrNotFound)
	ErrProxyNotFound       = fmt.Errorf("proxy %w", ErrNotFound)
	ErrTaskNotFound        = fmt.Errorf("task %w", ErrNotFound)
	ErrTaskAlreadyRunning  = errors.New("a task is already running for this connector")
	ErrTaskNotClaimed      = errors.New("task was claimed by another worker")
	ErrConnectorActive     = errors.New("connector is active")
	ErrConnectorNotEmpty   = errors.New("connector still has proxies")
	ErrConnectorInstalling = errors.New("connector is being installed")
)

type (
	// FieldError describes one failed structural rule.
	FieldError struct {
		Field string `json:"field"`
		Tag   string `json:"tag"`
		Param string `json:"param,omitempty"`
	}

	// ValidationError is malformed input. It is never retried.
	ValidationError struct {
		Message string       `json:"message"`
		Fields  []FieldError `json:"fields,omitempty"`
	}

	// CredentialInvalidError means the credential is well formed but was
	// rejected by the provider.
	CredentialInvalidError struct {
		Err error
	}

	// ConnectorInvalidError means the connector configuration was rejected
	// by the provider.
	ConnectorInvalidError struct {
		Err error
	}

	// TaskStepError is raised when a task is resumed at a step its command
	// does not know. It needs an operator.
	TaskStepError struct {
		TaskType string
		Step     int
	}

	ConnectorCertificateNotFoundError struct {
		ConnectorID string
	}

	// TransientError wraps a provider error that should be retried later.
	TransientError struct {
		Err error
	}
)

func NewValidationError(msg string, fields ...FieldError) *ValidationError {
	return &ValidationError{Message: msg, Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}

	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Param != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", f.Field, f.Tag, f.Param))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Tag))
		}
	}

	return e.Message + ": " + strings.Join(parts, ", ")
}

func (e *CredentialInvalidError) Error() string {
	return "credential invalid: " + e.Err.Error()
}

func (e *CredentialInvalidError) Unwrap() error { return e.Err }

func (e *ConnectorInvalidError) Error() string {
	return "connector invalid: " + e.Err.Error()
}

func (e *ConnectorInvalidError) Unwrap() error { return e.Err }

func (e *TaskStepError) Error() string {
	return fmt.Sprintf("task %s: unknown step %d", e.TaskType, e.Step)
}

func (e *ConnectorCertificateNotFoundError) Error() string {
	return fmt.Sprintf("certificate not found for connector %s", e.ConnectorID)
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried on the next poll.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
