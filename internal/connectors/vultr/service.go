// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package vultr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog"
	"github.com/vultr/govultr/v3"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// Vultr instance states.
const (
	statusPending   = "pending"
	statusActive    = "active"
	statusSuspended = "suspended"
	statusResizing  = "resizing"

	powerRunning = "running"
	powerStopped = "stopped"

	serverOK = "ok"
)

// cloudInit installs an HTTP proxy on a fresh instance.
var cloudInit = template.Must(template.New("cloud-init").Parse(`#cloud-config
package_update: true
packages:
  - tinyproxy
write_files:
  - path: /etc/tinyproxy/tinyproxy.conf
    content: |
      User tinyproxy
      Group tinyproxy
      Port {{ .Port }}
      Timeout 600
      MaxClients 512
      DisableViaHeader Yes
{{- if .Username }}
      BasicAuth {{ .Username }} {{ .Password }}
{{- else }}
      Allow 0.0.0.0/0
{{- end }}
runcmd:
  - systemctl restart tinyproxy
`))

type service struct {
	log       zerolog.Logger
	client    *govultr.Client
	connector *model.Connector
	config    *ConnectorConfig
}

var _ connectors.Service = (*service)(nil)

func (s *service) GetProxies(ctx context.Context, keys []string) ([]connectors.ProxyState, error) {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	out := make([]connectors.ProxyState, 0, len(keys))

	opts := &govultr.ListOptions{PerPage: perPage, Tag: Tag(s.connector.ID)}
	for {
		instances, meta, _, err := s.client.Instance.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("error listing instances: %w", err)
		}

		for i := range instances {
			if _, ok := wanted[instances[i].ID]; ok {
				out = append(out, s.proxyState(&instances[i]))
			}
		}

		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			return out, nil
		}
		opts.Cursor = meta.Links.Next
	}
}

// CreateProxies creates one instance per proxy. Instances created before an
// error are returned with the error.
func (s *service) CreateProxies(ctx context.Context, req connectors.CreateRequest) ([]connectors.ProxyState, error) {
	userData, err := s.userData()
	if err != nil {
		return nil, err
	}

	out := make([]connectors.ProxyState, 0, req.Count)
	for range req.Count {
		label := connectors.RandomName("proxyfleet")

		instance, _, err := s.client.Instance.Create(ctx, &govultr.InstanceCreateReq{
			Region:          s.config.Region,
			Plan:            s.config.Plan,
			OsID:            s.config.OsID,
			SnapshotID:      s.config.SnapshotID,
			FirewallGroupID: s.config.FirewallGroupID,
			Label:           label,
			Hostname:        label,
			Tags:            []string{Tag(s.connector.ID)},
			UserData:        userData,
		})
		if err != nil {
			return out, fmt.Errorf("error creating instance %s: %w", label, err)
		}

		s.log.Info().Str("instance", instance.ID).Str("label", label).Msg("Instance created")

		out = append(out, s.proxyState(instance))
	}

	return out, nil
}

func (s *service) StartProxies(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := s.client.Instance.Start(ctx, key); err != nil && !IsNotFound(err) {
			errs = append(errs, fmt.Errorf("error starting instance %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// RemoveProxies halts instances before deleting them, unless forced.
func (s *service) RemoveProxies(ctx context.Context, reqs []model.RemoveRequest) ([]string, error) {
	removed := make([]string, 0, len(reqs))

	var errs []error
	for _, r := range reqs {
		if !r.Force {
			if err := s.client.Instance.Halt(ctx, r.Key); err != nil && !IsNotFound(err) {
				errs = append(errs, fmt.Errorf("error halting instance %s: %w", r.Key, err))
				continue
			}
		}

		if err := s.client.Instance.Delete(ctx, r.Key); err != nil && !IsNotFound(err) {
			errs = append(errs, fmt.Errorf("error deleting instance %s: %w", r.Key, err))
			continue
		}

		s.log.Info().Str("instance", r.Key).Bool("force", r.Force).Msg("Instance deleted")
		removed = append(removed, r.Key)
	}

	return removed, errors.Join(errs...)
}

func (s *service) userData() (string, error) {
	if s.config.SnapshotID != "" {
		return "", nil
	}

	var b strings.Builder
	if err := cloudInit.Execute(&b, s.config); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString([]byte(b.String())), nil
}

func (s *service) proxyState(i *govultr.Instance) connectors.ProxyState {
	state := connectors.ProxyState{
		Key:           i.ID,
		Name:          i.Label,
		Type:          Type,
		TransportType: connectors.TransportProxy,
		Status:        convertStatus(i),
	}

	if i.MainIP != "" && i.MainIP != "0.0.0.0" {
		state.Config = connectors.TransportConfig(i.MainIP, s.config.Port, s.config.auth(), nil)
	}

	return state
}

// convertStatus maps the instance, power and server states to a proxy status.
func convertStatus(i *govultr.Instance) model.ProxyStatus {
	switch i.Status {
	case statusPending, statusResizing:
		return model.ProxyStatusStarting

	case statusActive:
		switch i.PowerStatus {
		case powerRunning:
			if i.ServerStatus == serverOK {
				return model.ProxyStatusStarted
			}
			return model.ProxyStatusStarting
		case powerStopped:
			return model.ProxyStatusStopped
		default:
			return model.ProxyStatusError
		}

	case statusSuspended:
		return model.ProxyStatusStopped

	default:
		return model.ProxyStatusError
	}
}
