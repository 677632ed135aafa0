// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package storage persists projects, connectors, proxies and tasks.
package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/model"
)

type (
	// Store is implemented by the memory and postgres backends.
	// Every read returns copies: callers never see an uncommitted write.
	Store interface {
		CreateProject(ctx context.Context, project *model.Project) error
		GetProject(ctx context.Context, id string) (*model.Project, error)
		UpdateProject(ctx context.Context, project *model.Project) error
		ListProjects(ctx context.Context) ([]*model.Project, error)

		CreateCredential(ctx context.Context, credential *model.Credential) error
		GetCredential(ctx context.Context, projectID, id string) (*model.Credential, error)
		ListCredentials(ctx context.Context, projectID string) ([]*model.Credential, error)

		CreateConnector(ctx context.Context, connector *model.Connector) error
		GetConnector(ctx context.Context, projectID, id string) (*model.Connector, error)
		UpdateConnector(ctx context.Context, connector *model.Connector) error
		DeleteConnector(ctx context.Context, projectID, id string) error

		// ListConnectors lists the connectors of a project, or of every
		// project when projectID is empty.
		ListConnectors(ctx context.Context, projectID string) ([]*model.Connector, error)

		ListProxies(ctx context.Context, connectorID string) ([]*model.Proxy, error)

		// SyncProxies commits one convergence pass atomically.
		SyncProxies(ctx context.Context, connectorID string, created, updated []*model.Proxy, removedIDs []string) error

		// UpdateProxiesFingerprint applies probe results to the proxies that
		// still exist. A nil fingerprint is a failed probe.
		UpdateProxiesFingerprint(ctx context.Context, connectorID string, results []FingerprintResult, now int64) ([]*model.Proxy, error)

		// MarkProxiesRemoving flags proxies for removal on the next pass.
		MarkProxiesRemoving(ctx context.Context, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error)

		// CreateTask fails with model.ErrTaskAlreadyRunning when the
		// connector already has a running task.
		CreateTask(ctx context.Context, task *model.Task) error
		GetTask(ctx context.Context, id string) (*model.Task, error)
		ListTasks(ctx context.Context, connectorID string) ([]*model.Task, error)
		GetRunningTask(ctx context.Context, connectorID string) (*model.Task, error)
		ListDueTasks(ctx context.Context, now int64) ([]*model.Task, error)
		ClaimTask(ctx context.Context, id, owner string, expected, leaseUntil int64) (*model.Task, error)
		UpdateTask(ctx context.Context, task *model.Task) error
		RequestTaskCancel(ctx context.Context, id string) (*model.Task, error)

		Close() error
	}

	FingerprintResult struct {
		ProxyID     string
		Fingerprint *model.Fingerprint
	}
)

// New opens the store selected by cfg.
func New(ctx context.Context, log zerolog.Logger, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, log, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
