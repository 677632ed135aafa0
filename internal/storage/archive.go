// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/yichenchong/proxyfleet/internal/model"
)

type (
	// Archive keeps finished tasks and removed proxies.
	Archive struct {
		db  *bun.DB
		log zerolog.Logger
	}

	TaskHistory struct {
		bun.BaseModel `bun:"table:task_history,alias:th"`

		ID          string          `bun:",pk"`
		Type        string          `bun:",notnull"`
		ProjectID   string          `bun:",notnull"`
		ConnectorID string          `bun:",notnull"`
		StepCurrent int             `bun:",notnull"`
		StepMax     int             `bun:",notnull"`
		Message     string          `bun:",notnull"`
		Cancelled   bool            `bun:",notnull"`
		StartAt     time.Time       `bun:",notnull"`
		EndAt       time.Time       `bun:",notnull"`
		Data        json.RawMessage `bun:",type:jsonb"`
	}

	ProxyHistory struct {
		bun.BaseModel `bun:"table:proxy_history,alias:ph"`

		ID                 int64     `bun:",pk,autoincrement"`
		ProxyID            string    `bun:",notnull"`
		ConnectorID        string    `bun:",notnull"`
		ProjectID          string    `bun:",notnull"`
		Key                string    `bun:",notnull"`
		IP                 string    `bun:"ip"`
		CountryCode        string    `bun:"country_code"`
		RequestsBeforeStop int64     `bun:",notnull"`
		UptimeBeforeStop   int64     `bun:",notnull"`
		BytesSent          int64     `bun:",notnull"`
		BytesReceived      int64     `bun:",notnull"`
		RemovedAt          time.Time `bun:",notnull"`
	}
)

func NewArchive(ctx context.Context, log zerolog.Logger, dsn string) (*Archive, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	a := &Archive{
		db:  db,
		log: log.With().Str("module", "archive").Logger(),
	}

	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return a, nil
}

func (a *Archive) initSchema(ctx context.Context) error {
	for _, m := range []any{(*TaskHistory)(nil), (*ProxyHistory)(nil)} {
		if _, err := a.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create archive table: %w", err)
		}
	}

	_, err := a.db.NewCreateIndex().
		Model((*ProxyHistory)(nil)).
		Index("proxy_history_connector_idx").
		Column("connector_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create archive index: %w", err)
	}

	return nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// ArchiveTask stores a finished task. Archiving the same task twice keeps
// the last version.
func (a *Archive) ArchiveTask(ctx context.Context, task *model.Task) error {
	row := NewTaskHistory(task)

	_, err := a.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("step_current = EXCLUDED.step_current").
		Set("message = EXCLUDED.message").
		Set("cancelled = EXCLUDED.cancelled").
		Set("end_at = EXCLUDED.end_at").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error archiving task: %w", err)
	}

	a.log.Debug().Str("task", task.ID).Msg("Task archived")

	return nil
}

// ArchiveProxies stores proxies removed from a pool.
func (a *Archive) ArchiveProxies(ctx context.Context, proxies []*model.Proxy, now int64) error {
	if len(proxies) == 0 {
		return nil
	}

	rows := make([]*ProxyHistory, 0, len(proxies))
	for _, p := range proxies {
		rows = append(rows, NewProxyHistory(p, now))
	}

	if _, err := a.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("error archiving proxies: %w", err)
	}

	return nil
}

func NewTaskHistory(task *model.Task) *TaskHistory {
	end := time.Now()
	if task.EndAtTs != nil {
		end = time.UnixMilli(*task.EndAtTs)
	}

	return &TaskHistory{
		ID:          task.ID,
		Type:        task.Type,
		ProjectID:   task.ProjectID,
		ConnectorID: task.ConnectorID,
		StepCurrent: task.StepCurrent,
		StepMax:     task.StepMax,
		Message:     task.Message,
		Cancelled:   task.CancelRequested,
		StartAt:     time.UnixMilli(task.StartAtTs),
		EndAt:       end,
		Data:        task.Data,
	}
}

func NewProxyHistory(p *model.Proxy, now int64) *ProxyHistory {
	h := &ProxyHistory{
		ProxyID:            p.ID,
		ConnectorID:        p.ConnectorID,
		ProjectID:          p.ProjectID,
		Key:                p.Key,
		RequestsBeforeStop: p.Requests,
		UptimeBeforeStop:   max(now-p.CreatedTs, 0),
		BytesSent:          p.BytesSent,
		BytesReceived:      p.BytesReceived,
		RemovedAt:          time.UnixMilli(now),
	}
	if p.Fingerprint != nil {
		h.IP = p.Fingerprint.IP
		h.CountryCode = p.Fingerprint.CountryCode
	}

	return h
}
