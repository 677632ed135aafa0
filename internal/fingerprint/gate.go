// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package fingerprint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/storage"
)

const freeproxiesType = "freeproxies"

type (
	// Reader lists what the gate probes.
	Reader interface {
		ListConnectors(ctx context.Context, projectID string) ([]*model.Connector, error)
		ListProxies(ctx context.Context, connectorID string) ([]*model.Proxy, error)
	}

	// Committer writes probe results. The pool manager implements it so
	// results never race a convergence pass.
	Committer interface {
		CommitFingerprints(ctx context.Context, connectorID string, results []storage.FingerprintResult) error
	}

	// Probe is satisfied by *Prober.
	Probe interface {
		Fingerprint(ctx context.Context, p *model.Proxy, payload Payload) (*model.Fingerprint, error)
	}

	// Gate periodically probes every running proxy.
	Gate struct {
		log       zerolog.Logger
		probe     Probe
		reader    Reader
		committer Committer
		installID string
		delay     time.Duration
		sem       *semaphore.Weighted
	}
)

func NewGate(log zerolog.Logger, probe Probe, reader Reader, committer Committer,
	installID string, delay time.Duration, concurrency int,
) *Gate {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Gate{
		log:       log.With().Str("module", "fingerprint").Logger(),
		probe:     probe,
		reader:    reader,
		committer: committer,
		installID: installID,
		delay:     delay,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run probes every delay until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	g.log.Info().Dur("delay", g.delay).Msg("Starting fingerprint gate")

	ticker := time.NewTicker(g.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info().Msg("Fingerprint gate stopped")
			return
		case <-ticker.C:
			if err := g.RunOnce(ctx); err != nil {
				g.log.Error().Err(err).Msg("Error probing proxies")
			}
		}
	}
}

// RunOnce probes the proxies of every active connector and commits the
// results per connector.
func (g *Gate) RunOnce(ctx context.Context) error {
	connectors, err := g.reader.ListConnectors(ctx, "")
	if err != nil {
		return fmt.Errorf("listing connectors: %w", err)
	}

	for _, c := range connectors {
		if !c.Active {
			continue
		}

		if err := g.probeConnector(ctx, c); err != nil {
			g.log.Error().Err(err).Str("connector", c.ID).Msg("Error probing connector")
		}
	}

	return nil
}

func (g *Gate) probeConnector(ctx context.Context, c *model.Connector) error {
	proxies, err := g.reader.ListProxies(ctx, c.ID)
	if err != nil {
		return err
	}

	mode := model.FingerprintModeConnector
	if c.Type == freeproxiesType {
		mode = model.FingerprintModeFreeproxies
	}

	var (
		results []storage.FingerprintResult
		mtx     sync.Mutex
		wg      sync.WaitGroup
	)

	for _, p := range proxies {
		if !Probeable(p) {
			continue
		}

		if err := g.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.sem.Release(1)

			fp, err := g.probe.Fingerprint(ctx, p, Payload{
				InstallID:     g.installID,
				Mode:          mode,
				ConnectorType: c.Type,
				ProxyID:       p.ID,
				Requests:      p.Requests,
				BytesReceived: p.BytesReceived,
				BytesSent:     p.BytesSent,
			})
			if err != nil {
				g.log.Debug().Err(err).Str("connector", c.ID).Str("proxy", p.Key).Msg("Fingerprint failed")
				fp = nil
			}

			mtx.Lock()
			results = append(results, storage.FingerprintResult{ProxyID: p.ID, Fingerprint: fp})
			mtx.Unlock()
		}()
	}

	wg.Wait()

	if len(results) == 0 || ctx.Err() != nil {
		return ctx.Err()
	}

	return g.committer.CommitFingerprints(ctx, c.ID, results)
}

// Probeable is true for running proxies that are not being removed.
func Probeable(p *model.Proxy) bool {
	if p.Removing {
		return false
	}

	return p.Status == model.ProxyStatusStarting || p.Status == model.ProxyStatusStarted
}
