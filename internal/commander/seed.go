// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package commander

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/model"
)

// Seed creates the projects declared in the configuration that do not
// exist yet. Existing projects are left untouched.
func (c *Commander) Seed(ctx context.Context, cfg config.SeedConfig) error {
	if len(cfg.Projects) == 0 {
		return nil
	}

	existing, err := c.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		names[p.Name] = struct{}{}
	}

	for _, sp := range cfg.Projects {
		if _, ok := names[sp.Name]; ok {
			c.log.Debug().Str("project", sp.Name).Msg("Seed project exists")
			continue
		}

		if err := c.seedProject(ctx, sp); err != nil {
			return fmt.Errorf("seeding project %s: %w", sp.Name, err)
		}
	}

	return nil
}

func (c *Commander) seedProject(ctx context.Context, sp config.SeedProject) error {
	project, err := c.CreateProject(ctx, &model.Project{
		Name:       sp.Name,
		Status:     model.ProjectStatus(sp.Status),
		ProxiesMin: sp.ProxiesMin,
	})
	if err != nil {
		return err
	}

	credentials := make(map[string]string, len(sp.Credentials))
	for _, sc := range sp.Credentials {
		raw, err := json.Marshal(sc.Config)
		if err != nil {
			return err
		}

		credential, err := c.CreateCredential(ctx, project.ID, &model.Credential{
			Name:   sc.Name,
			Type:   sc.Type,
			Config: raw,
		})
		if err != nil {
			return fmt.Errorf("credential %s: %w", sc.Name, err)
		}
		credentials[sc.Name] = credential.ID
	}

	for _, sc := range sp.Connectors {
		if err := c.seedConnector(ctx, project, credentials, sc); err != nil {
			return fmt.Errorf("connector %s: %w", sc.Name, err)
		}
	}

	return nil
}

func (c *Commander) seedConnector(ctx context.Context, project *model.Project, credentials map[string]string, sc config.SeedConnector) error {
	credentialID, ok := credentials[sc.Credential]
	if !ok {
		return fmt.Errorf("unknown credential %q", sc.Credential)
	}

	raw, err := json.Marshal(sc.Config)
	if err != nil {
		return err
	}

	connector, err := c.CreateConnector(ctx, project.ID, &model.Connector{
		Name:                       sc.Name,
		Type:                       sc.Type,
		CredentialID:               credentialID,
		Config:                     raw,
		ProxiesMax:                 sc.ProxiesMax,
		ProxiesTimeoutDisconnected: sc.ProxiesTimeoutDisconnected.Milliseconds(),
		ProxiesTimeoutUnreachable: model.ProxiesTimeoutUnreachable{
			Enabled: sc.ProxiesTimeoutUnreachable > 0,
			Value:   sc.ProxiesTimeoutUnreachable.Milliseconds(),
		},
	})
	if err != nil {
		return err
	}

	if sc.Default {
		project.ConnectorDefaultID = connector.ID
		if err := c.store.UpdateProject(ctx, project); err != nil {
			return err
		}
	}

	installing := false
	if sc.Install {
		task, err := c.InstallConnector(ctx, project.ID, connector.ID)
		if err != nil {
			return err
		}
		installing = task != nil
	}

	if sc.Active {
		if installing {
			c.log.Warn().Str("connector", connector.ID).Msg("Seeded connector is installing, activate it once the task is done")
			return nil
		}
		if _, err := c.ActivateConnector(ctx, project.ID, connector.ID); err != nil {
			return err
		}
	}

	return nil
}
