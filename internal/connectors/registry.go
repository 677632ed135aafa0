// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package connectors

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrDuplicateConnectorType = errors.New("connector type already registered")
	ErrConnectorTypeNotFound  = errors.New("connector type not found")
)

// Registry maps provider types to their factories. It is built at startup
// and passed to whatever needs it.
type Registry struct {
	factories map[string]Factory
	mtx       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds factories, refusing a type that is already known.
func (r *Registry) Register(factories ...Factory) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, f := range factories {
		t := f.Type()
		if t == "" {
			return fmt.Errorf("%w: empty type", ErrConnectorTypeNotFound)
		}
		if _, ok := r.factories[t]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateConnectorType, t)
		}
		r.factories[t] = f
	}

	return nil
}

// MustRegister is Register for startup code.
func (r *Registry) MustRegister(factories ...Factory) {
	if err := r.Register(factories...); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(connectorType string) (Factory, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	f, ok := r.factories[connectorType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorTypeNotFound, connectorType)
	}

	return f, nil
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)

	return types
}

// Factories returns the registered factories ordered by type.
func (r *Registry) Factories() []Factory {
	types := r.Types()

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]Factory, 0, len(types))
	for _, t := range types {
		out = append(out, r.factories[t])
	}

	return out
}
