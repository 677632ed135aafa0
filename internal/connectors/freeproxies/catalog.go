// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package freeproxies

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrNoProxyFound = errors.New("no proxy found in sources")

const scrapeConcurrency = 4

type (
	listing struct {
		entry    entry
		lastSeen time.Time
	}

	// catalog is what the sources of one credential listed recently.
	// Proxies stay listed for retention after they were last seen.
	catalog struct {
		log        zerolog.Logger
		credential CredentialConfig
		timeout    time.Duration
		ttl        time.Duration
		retention  time.Duration
		now        func() time.Time

		seen      map[string]*listing
		scrapedAt time.Time
		mtx       sync.Mutex
	}
)

// refresh scrapes the sources again once ttl has passed, or when forced.
// Failed sources are skipped. It fails only when nothing was ever listed.
func (c *catalog) refresh(ctx context.Context, force bool) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.now()
	if !force && !c.scrapedAt.IsZero() && now.Sub(c.scrapedAt) < c.ttl {
		return nil
	}

	var (
		found []entry
		mtx   sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(scrapeConcurrency)

	for _, src := range c.credential.Sources {
		g.Go(func() error {
			entries, err := scrape(ctx, c.log, src, c.credential.UserAgent, c.timeout)
			if err != nil {
				c.log.Warn().Err(err).Str("source", src.URL).Msg("Source skipped")
				return nil
			}

			mtx.Lock()
			found = append(found, entries...)
			mtx.Unlock()

			return nil
		})
	}
	_ = g.Wait()

	for _, e := range found {
		c.seen[e.key()] = &listing{entry: e, lastSeen: now}
	}
	for k, l := range c.seen {
		if now.Sub(l.lastSeen) > c.retention {
			delete(c.seen, k)
		}
	}
	c.scrapedAt = now

	if len(c.seen) == 0 {
		return ErrNoProxyFound
	}

	return nil
}

func (c *catalog) get(key string) (entry, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	l, ok := c.seen[key]
	if !ok {
		return entry{}, false
	}

	return l.entry, true
}

// pick returns entries accepted by filter and not in exclude, the most
// recently seen first.
func (c *catalog) pick(filter func(entry) bool, exclude []string, count int) []entry {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	candidates := make([]*listing, 0, len(c.seen))
	for k, l := range c.seen {
		if filter(l.entry) && !slices.Contains(exclude, k) {
			candidates = append(candidates, l)
		}
	}

	slices.SortFunc(candidates, func(a, b *listing) int {
		return cmp.Or(b.lastSeen.Compare(a.lastSeen), cmp.Compare(a.entry.key(), b.entry.key()))
	})

	out := make([]entry, 0, min(count, len(candidates)))
	for _, l := range candidates[:min(count, len(candidates))] {
		out = append(out, l.entry)
	}

	return out
}

func (c *catalog) countries() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	out := []string{}
	for _, l := range c.seen {
		if l.entry.Country != "" && !slices.Contains(out, l.entry.Country) {
			out = append(out, l.entry.Country)
		}
	}
	slices.Sort(out)

	return out
}
