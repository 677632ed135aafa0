// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package static

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/validation"
)

// Entry protocols.
const (
	ProtocolHTTP    = "http"
	ProtocolSocks5  = "socks5"
	ProtocolOutline = "outline"
)

type (
	// listFile is the YAML document:
	//
	//	proxies:
	//	  de-1:
	//	    host: 198.51.100.4
	//	    port: 3128
	//	    country: de
	listFile struct {
		Proxies map[string]entry `yaml:"proxies"`
	}

	entry struct {
		Protocol string `yaml:"protocol" default:"http" validate:"oneof=http socks5 outline"`
		Host     string `yaml:"host,omitempty" validate:"required_unless=Protocol outline"`
		Port     int    `yaml:"port,omitempty" validate:"required_unless=Protocol outline,lte=65535"`
		Username string `yaml:"username,omitempty"`
		Password string `yaml:"password,omitempty" validate:"required_with=Username"`
		// Transport is an outline-sdk config, for the outline protocol.
		Transport string `yaml:"transport,omitempty" validate:"required_if=Protocol outline"`
		Country   string `yaml:"country,omitempty" validate:"omitempty,len=2"`
		Group     string `yaml:"group,omitempty"`
	}

	// list is a proxy list file kept in sync with the disk.
	list struct {
		log     zerolog.Logger
		file    *config.ConfigFile
		data    *listFile
		entries map[string]entry
		mtx     sync.RWMutex
		loading sync.Mutex
	}
)

func (e *entry) UnmarshalYAML(unmarshal func(any) error) error {
	_ = defaults.Set(e)

	type plain entry
	return unmarshal((*plain)(e))
}

func openList(log zerolog.Logger, filename string) (*list, error) {
	l := &list{
		log:  log.With().Str("file", filename).Logger(),
		data: &listFile{},
	}
	l.file = config.NewConfigFile(l.log, filename, l.data)

	if err := l.load(); err != nil {
		return nil, err
	}

	return l, nil
}

// load reads the file again and swaps the entries when they are valid.
func (l *list) load() error {
	l.loading.Lock()
	defer l.loading.Unlock()

	l.data.Proxies = make(map[string]entry)

	if err := l.file.Load(); err != nil {
		return fmt.Errorf("error reading proxy list: %w", err)
	}

	for key, e := range l.data.Proxies {
		if err := validation.Struct(&e); err != nil {
			return fmt.Errorf("proxy %s: %w", key, err)
		}
	}

	l.mtx.Lock()
	l.entries = maps.Clone(l.data.Proxies)
	l.mtx.Unlock()

	return nil
}

// watch reloads the list whenever the file changes, until ctx is done.
func (l *list) watch(ctx context.Context) error {
	l.file.OnChange(l.onFileChange)
	return l.file.Watch(ctx)
}

func (l *list) onFileChange(e fsnotify.Event) {
	l.log.Info().Str("filename", e.Name).Msg("proxy list changed, reloading")

	old := l.snapshot()
	if err := l.load(); err != nil {
		l.log.Error().Err(err).Msg("error loading proxy list, keeping the previous one")
		return
	}

	current := l.snapshot()
	for key := range old {
		if _, ok := current[key]; !ok {
			l.log.Info().Str("proxy", key).Msg("proxy removed from list")
		}
	}
	for key, e := range current {
		if prev, ok := old[key]; ok && !reflect.DeepEqual(prev, e) {
			l.log.Info().Str("proxy", key).Msg("proxy changed in list")
		}
	}
}

func (l *list) snapshot() map[string]entry {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	return maps.Clone(l.entries)
}

// get returns the entries of group for keys. Unknown keys are skipped.
func (l *list) get(group string, keys []string) map[string]entry {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	out := make(map[string]entry, len(keys))
	for _, k := range keys {
		if e, ok := l.entries[k]; ok && inGroup(e, group) {
			out[k] = e
		}
	}

	return out
}

// free returns the keys of group not in exclude, sorted.
func (l *list) free(group string, exclude []string) []string {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	out := make([]string, 0, len(l.entries))
	for k, e := range l.entries {
		if inGroup(e, group) && !slices.Contains(exclude, k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)

	return out
}

func (l *list) groups() []string {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range l.entries {
		seen[e.Group] = struct{}{}
	}

	return slices.Sorted(maps.Keys(seen))
}

func inGroup(e entry, group string) bool {
	return group == "" || e.Group == group
}

func (e entry) proxyState(key string) connectors.ProxyState {
	s := connectors.ProxyState{
		Key:    key,
		Name:   key,
		Type:   Type,
		Status: model.ProxyStatusStarted,
	}

	if e.Country != "" {
		country := e.Country
		s.CountryLike = &country
	}

	switch e.Protocol {
	case ProtocolOutline:
		s.TransportType = connectors.TransportOutline
		s.Config = connectors.OutlineTransportConfig(e.Transport)
	case ProtocolSocks5:
		s.TransportType = connectors.TransportSocks5
		s.Config = connectors.TransportConfig(e.Host, e.Port, e.auth(), nil)
	default:
		s.TransportType = connectors.TransportProxy
		s.Config = connectors.TransportConfig(e.Host, e.Port, e.auth(), nil)
	}

	return s
}

func (e entry) auth() *model.Auth {
	if e.Username == "" {
		return nil
	}
	return &model.Auth{Username: e.Username, Password: e.Password}
}
