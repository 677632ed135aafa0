// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

// Package pool converges the proxies of every connector towards the size
// its project asks for.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/storage"
)

type (
	// Store is the part of storage the manager needs.
	Store interface {
		GetProject(ctx context.Context, id string) (*model.Project, error)
		UpdateProject(ctx context.Context, project *model.Project) error
		GetCredential(ctx context.Context, projectID, id string) (*model.Credential, error)
		GetConnector(ctx context.Context, projectID, id string) (*model.Connector, error)
		UpdateConnector(ctx context.Context, connector *model.Connector) error
		ListConnectors(ctx context.Context, projectID string) ([]*model.Connector, error)
		ListProxies(ctx context.Context, connectorID string) ([]*model.Proxy, error)
		SyncProxies(ctx context.Context, connectorID string, created, updated []*model.Proxy, removedIDs []string) error
		UpdateProxiesFingerprint(ctx context.Context, connectorID string, results []storage.FingerprintResult, now int64) ([]*model.Proxy, error)
		MarkProxiesRemoving(ctx context.Context, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error)
	}

	// Archiver keeps removed proxies.
	Archiver interface {
		ArchiveProxies(ctx context.Context, proxies []*model.Proxy, now int64) error
	}

	// Manager runs one refresh loop per connector.
	Manager struct {
		log      zerolog.Logger
		store    Store
		registry *connectors.Registry
		archiver Archiver
		tracer   trace.Tracer
		now      func() time.Time
		rand     func() float64

		providerTimeout  time.Duration
		reconcileDelay   time.Duration
		maxRotatePerPass int

		connectors        map[string]*connectorState
		statusSubscribers map[chan model.ProxyEvent]struct{}
		metrics           Metrics

		mtx sync.RWMutex
	}

	// connectorState serializes writes to one pool. busy drops refresh
	// ticks while a pass is in flight.
	connectorState struct {
		busy  atomic.Bool
		write sync.Mutex

		cancel context.CancelFunc
		done   chan struct{}
	}

	// Metrics are totals since the process started.
	Metrics struct {
		ProxiesCreated     atomic.Int64
		ProxiesRemoved     atomic.Int64
		RequestsBeforeStop atomic.Int64
		UptimeBeforeStop   atomic.Int64
	}

	MetricsSnapshot struct {
		ProxiesCreated     int64 `json:"proxiesCreated"`
		ProxiesRemoved     int64 `json:"proxiesRemoved"`
		RequestsBeforeStop int64 `json:"requestsBeforeStop"`
		UptimeBeforeStop   int64 `json:"uptimeBeforeStop"`
	}

	Option func(*Manager)
)

var ErrRefreshInFlight = errors.New("refresh already in flight")

func WithArchiver(a Archiver) Option {
	return func(m *Manager) {
		m.archiver = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithRand(r func() float64) Option {
	return func(m *Manager) {
		m.rand = r
	}
}

func WithMaxRotatePerPass(n int) Option {
	return func(m *Manager) {
		m.maxRotatePerPass = n
	}
}

// NewManager creates a new Manager.
func NewManager(log zerolog.Logger, store Store, registry *connectors.Registry,
	providerTimeout, reconcileDelay time.Duration, opts ...Option,
) *Manager {
	m := &Manager{
		log:               log.With().Str("module", "pool").Logger(),
		store:             store,
		registry:          registry,
		tracer:            core.Tracer("pool"),
		now:               time.Now,
		rand:              rand.Float64,
		providerTimeout:   providerTimeout,
		reconcileDelay:    reconcileDelay,
		connectors:        make(map[string]*connectorState),
		statusSubscribers: make(map[chan model.ProxyEvent]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start reconciles the refresh loops with the stored connectors every
// reconcile delay until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info().Msg("Starting pool manager")

	if err := m.Reconcile(ctx); err != nil {
		m.log.Error().Err(err).Msg("Error reconciling connectors")
	}

	ticker := time.NewTicker(m.reconcileDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Error().Err(err).Msg("Error reconciling connectors")
			}
		}
	}
}

// Reconcile starts a loop for every stored connector without one and stops
// the loops of deleted connectors. Inactive connectors keep a loop so their
// pool drains.
func (m *Manager) Reconcile(ctx context.Context) error {
	list, err := m.store.ListConnectors(ctx, "")
	if err != nil {
		return fmt.Errorf("listing connectors: %w", err)
	}

	wanted := make(map[string]*model.Connector, len(list))
	for _, c := range list {
		wanted[c.ID] = c
	}

	m.mtx.Lock()
	var stale []*connectorState
	for id, st := range m.connectors {
		if _, ok := wanted[id]; !ok && st.cancel != nil {
			stale = append(stale, st)
			delete(m.connectors, id)
		}
	}

	for id, c := range wanted {
		st := m.stateLocked(id)
		if st.cancel != nil {
			continue
		}

		delay := time.Second
		if f, err := m.registry.Get(c.Type); err == nil && f.Config().RefreshDelay > 0 {
			delay = f.Config().RefreshDelay
		}

		loopCtx, cancel := context.WithCancel(ctx)
		st.cancel = cancel
		st.done = make(chan struct{})
		go m.loop(loopCtx, c.ProjectID, id, delay, st.done)
	}
	m.mtx.Unlock()

	for _, st := range stale {
		st.cancel()
		<-st.done
	}

	return nil
}

// StopAll stops every refresh loop.
func (m *Manager) StopAll() {
	m.log.Info().Msg("Stopping all refresh loops")

	m.mtx.Lock()
	var running []*connectorState
	for _, st := range m.connectors {
		if st.cancel != nil {
			running = append(running, st)
			st.cancel()
			st.cancel = nil
		}
	}
	m.mtx.Unlock()

	for _, st := range running {
		<-st.done
	}
}

func (m *Manager) loop(ctx context.Context, projectID, connectorID string, delay time.Duration, done chan struct{}) {
	defer close(done)

	log := m.log.With().Str("connector", connectorID).Logger()
	log.Debug().Dur("delay", delay).Msg("Starting refresh loop")

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Refresh loop stopped")
			return
		case <-ticker.C:
			err := m.Refresh(ctx, projectID, connectorID)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrRefreshInFlight):
				log.Debug().Msg("Refresh tick dropped")
			case errors.Is(err, model.ErrConnectorNotFound):
				return
			default:
				log.Error().Err(err).Msg("Error refreshing connector")
			}
		}
	}
}

// Refresh runs one convergence pass. It returns ErrRefreshInFlight when a
// pass of the same connector is already running.
func (m *Manager) Refresh(ctx context.Context, projectID, connectorID string) error {
	st := m.state(connectorID)
	if !st.busy.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer st.busy.Store(false)

	ctx, span := core.StartSpan(ctx, m.tracer, "pool.refresh", "connector.id", connectorID)

	err := m.refresh(ctx, st, projectID, connectorID)
	core.EndSpan(span, err)

	return err
}

func (m *Manager) refresh(ctx context.Context, st *connectorState, projectID, connectorID string) error {
	log := m.log.With().Str("connector", connectorID).Logger()

	connector, err := m.store.GetConnector(ctx, projectID, connectorID)
	if err != nil {
		return err
	}

	st.write.Lock()
	defer st.write.Unlock()

	stored, err := m.store.ListProxies(ctx, connectorID)
	if err != nil {
		return fmt.Errorf("listing proxies: %w", err)
	}

	if !connector.Active && len(stored) == 0 {
		return nil
	}

	project, err := m.store.GetProject(ctx, connector.ProjectID)
	if err != nil {
		return err
	}

	factory, err := m.registry.Get(connector.Type)
	if err != nil {
		return err
	}
	fcfg := factory.Config()

	svc, err := m.buildService(ctx, factory, connector)
	if err != nil {
		if userFacing(err) {
			m.setConnectorError(ctx, connector, err)
		}
		return err
	}

	keys := make([]string, len(stored))
	for i, p := range stored {
		keys[i] = p.Key
	}

	remote, err := m.getProxies(ctx, svc, connectorID, keys)
	if err != nil {
		if userFacing(err) && factory.NotFound().Resolve(connectors.PhaseRefresh, err) != connectors.NotFoundTransient {
			m.setConnectorError(ctx, connector, err)
		}
		return fmt.Errorf("getting proxies: %w", err)
	}

	now := m.now().UnixMilli()
	orders := ComputeOrders(ConvergeInput{
		Now:              now,
		Project:          project,
		Connector:        connector,
		Factory:          fcfg,
		Stored:           stored,
		Remote:           remote,
		MaxRotatePerPass: m.maxRotatePerPass,
	})

	for _, key := range orders.Refused {
		log.Warn().Str("proxy", key).Msg("Provider reported a forbidden status transition")
	}
	for _, r := range orders.Remove {
		log.Debug().Str("proxy", r.Key).Str("reason", string(r.Reason)).Bool("force", r.Force).Msg("Removing proxy")
	}

	result := m.execute(ctx, svc, fcfg, orders)

	created := make([]*model.Proxy, 0, len(result.created))
	for _, s := range result.created {
		created = append(created, NewProxy(connector, s, fcfg, now, m.rand()))
	}

	removed := make(map[string]struct{}, len(result.removed)+len(orders.Gone))
	removedProxies := make([]*model.Proxy, 0, len(result.removed)+len(orders.Gone))
	for _, p := range orders.Gone {
		removed[p.ID] = struct{}{}
		removedProxies = append(removedProxies, p)
	}

	updated := make([]*model.Proxy, 0, len(orders.Updated))
	for _, p := range orders.Updated {
		if _, ok := result.removed[p.Key]; ok {
			removed[p.ID] = struct{}{}
			removedProxies = append(removedProxies, p)
			continue
		}
		updated = append(updated, p)
	}

	removedIDs := make([]string, 0, len(removed))
	for id := range removed {
		removedIDs = append(removedIDs, id)
	}

	if err := m.store.SyncProxies(ctx, connectorID, created, updated, removedIDs); err != nil {
		return fmt.Errorf("saving proxies: %w", err)
	}

	if orders.ProjectStatus != nil {
		project.Status = *orders.ProjectStatus
		if err := m.store.UpdateProject(ctx, project); err != nil {
			log.Error().Err(err).Msg("Error scaling down project")
		} else {
			log.Info().Str("project", project.ID).Msg("Project scaled down")
		}
	}

	m.record(ctx, removedProxies, len(created), now)

	log.Debug().
		Int("before", len(stored)).
		Int("after", len(stored)+len(created)-len(removedIDs)).
		Int("target", orders.Target).
		Int("created", len(created)).
		Int("removed", len(removedIDs)).
		Msg("Refresh done")

	m.broadcastChanges(connector, stored, created, updated, removedProxies)

	if result.err != nil {
		if userFacing(result.err) {
			m.setConnectorError(ctx, connector, result.err)
		}
		return result.err
	}

	if connector.Error != nil {
		m.setConnectorError(ctx, connector, nil)
	}

	return nil
}

func (m *Manager) buildService(ctx context.Context, factory connectors.Factory, connector *model.Connector) (connectors.Service, error) {
	credential, err := m.store.GetCredential(ctx, connector.ProjectID, connector.CredentialID)
	if err != nil {
		return nil, err
	}

	return factory.BuildConnectorService(ctx, connectors.Snapshot{
		Connector:  connector,
		Credential: credential.Config,
	})
}

func (m *Manager) getProxies(ctx context.Context, svc connectors.Service, connectorID string, keys []string) ([]connectors.ProxyState, error) {
	ctx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	ctx, span := core.StartSpan(ctx, m.tracer, "provider.getProxies", "connector.id", connectorID)
	states, err := connectors.GetProxies(ctx, svc, keys)
	core.EndSpan(span, err)

	return states, err
}

type execResult struct {
	created []connectors.ProxyState
	removed map[string]struct{}
	err     error
}

// execute sends create, start and remove orders in parallel. A failing
// order does not cancel the others.
func (m *Manager) execute(ctx context.Context, svc connectors.Service, fcfg connectors.FactoryConfig, orders Orders) execResult {
	ctx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	var (
		res                            = execResult{removed: map[string]struct{}{}}
		createErr, startErr, removeErr error
		g                              errgroup.Group
	)

	if orders.CreateCount > 0 {
		g.Go(func() error {
			ctx, span := core.StartSpan(ctx, m.tracer, "provider.createProxies")
			res.created, createErr = connectors.CreateProxies(ctx, svc, connectors.CreateRequest{
				Count:           orders.CreateCount,
				TotalCountAfter: orders.TotalCountAfter,
				ExcludeKeys:     orders.ExcludeKeys,
			})
			core.EndSpan(span, createErr)
			return nil
		})
	}

	if len(orders.KeysToStart) > 0 {
		g.Go(func() error {
			ctx, span := core.StartSpan(ctx, m.tracer, "provider.startProxies")
			startErr = connectors.StartProxies(ctx, svc, orders.KeysToStart)
			core.EndSpan(span, startErr)
			return nil
		})
	}

	if len(orders.Remove) > 0 {
		g.Go(func() error {
			reqs := make([]model.RemoveRequest, len(orders.Remove))
			for i, r := range orders.Remove {
				reqs[i] = model.RemoveRequest{Key: r.Key, Force: r.Force}
			}

			ctx, span := core.StartSpan(ctx, m.tracer, "provider.removeProxies")
			keys, err := connectors.RemoveProxies(ctx, svc, fcfg, reqs)
			core.EndSpan(span, err)

			removeErr = err
			for _, k := range keys {
				res.removed[k] = struct{}{}
			}
			return nil
		})
	}

	_ = g.Wait()

	if createErr != nil {
		createErr = fmt.Errorf("creating proxies: %w", createErr)
	}
	if startErr != nil {
		startErr = fmt.Errorf("starting proxies: %w", startErr)
	}
	if removeErr != nil {
		removeErr = fmt.Errorf("removing proxies: %w", removeErr)
	}
	res.err = errors.Join(createErr, startErr, removeErr)

	return res
}

func (m *Manager) record(ctx context.Context, removed []*model.Proxy, created int, now int64) {
	m.metrics.ProxiesCreated.Add(int64(created))
	m.metrics.ProxiesRemoved.Add(int64(len(removed)))
	for _, p := range removed {
		m.metrics.RequestsBeforeStop.Add(p.Requests)
		m.metrics.UptimeBeforeStop.Add(max(now-p.CreatedTs, 0))
	}

	if m.archiver != nil && len(removed) > 0 {
		if err := m.archiver.ArchiveProxies(ctx, removed, now); err != nil {
			m.log.Warn().Err(err).Msg("Error archiving proxies")
		}
	}
}

// userFacing is false when every error in err is transient. Those are
// retried on the next tick and never shown on the connector.
func userFacing(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if userFacing(e) {
				return true
			}
		}
		return false
	}

	return err != nil && !model.IsTransient(err)
}

func (m *Manager) setConnectorError(ctx context.Context, connector *model.Connector, err error) {
	// reload: the connector may have changed during the pass
	current, getErr := m.store.GetConnector(ctx, connector.ProjectID, connector.ID)
	if getErr != nil {
		return
	}

	current.SetError(err)
	if updateErr := m.store.UpdateConnector(ctx, current); updateErr != nil {
		m.log.Error().Err(updateErr).Str("connector", connector.ID).Msg("Error saving connector error")
	}
}

// Metrics returns the totals since start.
func (m *Manager) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		ProxiesCreated:     m.metrics.ProxiesCreated.Load(),
		ProxiesRemoved:     m.metrics.ProxiesRemoved.Load(),
		RequestsBeforeStop: m.metrics.RequestsBeforeStop.Load(),
		UptimeBeforeStop:   m.metrics.UptimeBeforeStop.Load(),
	}
}

// StartedProxies returns the committed proxies ready to carry traffic.
func (m *Manager) StartedProxies(ctx context.Context, connectorID string) ([]*model.Proxy, error) {
	proxies, err := m.store.ListProxies(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Proxy, 0, len(proxies))
	for _, p := range proxies {
		if p.Status == model.ProxyStatusStarted && !p.Removing {
			out = append(out, p)
		}
	}

	return out, nil
}

// Remove flags proxies for removal. The next pass sends the orders.
func (m *Manager) Remove(ctx context.Context, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error) {
	st := m.state(connectorID)
	st.write.Lock()
	defer st.write.Unlock()

	marked, err := m.store.MarkProxiesRemoving(ctx, connectorID, reqs)
	if err != nil {
		return nil, err
	}

	for _, p := range marked {
		m.broadcastStatusEvents(proxyEvent(model.ProxyEventUpdated, p))
	}

	return marked, nil
}

// CommitFingerprints stores probe results between two passes.
func (m *Manager) CommitFingerprints(ctx context.Context, connectorID string, results []storage.FingerprintResult) error {
	st := m.state(connectorID)
	st.write.Lock()
	defer st.write.Unlock()

	before, err := m.store.ListProxies(ctx, connectorID)
	if err != nil {
		return err
	}
	status := make(map[string]model.ProxyStatus, len(before))
	for _, p := range before {
		status[p.ID] = p.Status
	}

	updated, err := m.store.UpdateProxiesFingerprint(ctx, connectorID, results, m.now().UnixMilli())
	if err != nil {
		return err
	}

	for _, p := range updated {
		if status[p.ID] != p.Status {
			m.broadcastStatusEvents(proxyEvent(model.ProxyEventUpdated, p))
		}
	}

	return nil
}

func (m *Manager) state(connectorID string) *connectorState {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.stateLocked(connectorID)
}

func (m *Manager) stateLocked(connectorID string) *connectorState {
	st, ok := m.connectors[connectorID]
	if !ok {
		st = &connectorState{}
		m.connectors[connectorID] = st
	}

	return st
}

// Poke runs a pass in the background, for changes that should not wait for
// the next tick.
func (m *Manager) Poke(ctx context.Context, projectID, connectorID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.providerTimeout)
		defer cancel()

		if err := m.Refresh(ctx, projectID, connectorID); err != nil && !errors.Is(err, ErrRefreshInFlight) {
			m.log.Error().Err(err).Str("connector", connectorID).Msg("Error refreshing connector")
		}
	}()
}
