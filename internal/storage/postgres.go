// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/model"
)

// Entities are stored as JSON documents next to the columns queries filter on.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id   TEXT PRIMARY KEY,
	doc  JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS connectors (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id),
	doc         JSONB NOT NULL,
	certificate JSONB
);
CREATE TABLE IF NOT EXISTS proxies (
	id           TEXT PRIMARY KEY,
	connector_id TEXT NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
	created_ts   BIGINT NOT NULL,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS proxies_connector_idx ON proxies (connector_id);
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	connector_id  TEXT NOT NULL,
	running       BOOLEAN NOT NULL,
	next_retry_ts BIGINT NOT NULL,
	start_at_ts   BIGINT NOT NULL,
	owner         TEXT,
	doc           JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_running_connector_idx ON tasks (connector_id) WHERE running AND connector_id <> '';
CREATE INDEX IF NOT EXISTS tasks_due_idx ON tasks (next_retry_ts) WHERE running;
`

const pgUniqueViolation = "23505"

// Postgres stores everything in one database through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, log zerolog.Logger, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Postgres{
		pool: pool,
		log:  log.With().Str("module", "storage").Str("driver", "postgres").Logger(),
	}
	s.log.Info().Msg("Postgres storage ready")

	return s, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) CreateProject(ctx context.Context, project *model.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO projects (id, doc) VALUES ($1, $2)`, project.ID, mustJSON(project))
	return err
}

func (s *Postgres) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return getDoc[model.Project](ctx, s.pool, model.ErrProjectNotFound,
		`SELECT doc FROM projects WHERE id = $1`, id)
}

func (s *Postgres) UpdateProject(ctx context.Context, project *model.Project) error {
	return execOne(ctx, s.pool, model.ErrProjectNotFound,
		`UPDATE projects SET doc = $2 WHERE id = $1`, project.ID, mustJSON(project))
}

func (s *Postgres) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return listDocs[model.Project](ctx, s.pool, `SELECT doc FROM projects ORDER BY doc->>'name'`)
}

func (s *Postgres) CreateCredential(ctx context.Context, credential *model.Credential) error {
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO credentials (id, project_id, doc) VALUES ($1, $2, $3)`,
		credential.ID, credential.ProjectID, mustJSON(credential))

	return err
}

func (s *Postgres) GetCredential(ctx context.Context, projectID, id string) (*model.Credential, error) {
	return getDoc[model.Credential](ctx, s.pool, model.ErrCredentialNotFound,
		`SELECT doc FROM credentials WHERE id = $1 AND project_id = $2`, id, projectID)
}

func (s *Postgres) ListCredentials(ctx context.Context, projectID string) ([]*model.Credential, error) {
	return listDocs[model.Credential](ctx, s.pool,
		`SELECT doc FROM credentials WHERE project_id = $1 ORDER BY doc->>'name'`, projectID)
}

func (s *Postgres) CreateConnector(ctx context.Context, connector *model.Connector) error {
	if connector.ID == "" {
		connector.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO connectors (id, project_id, doc, certificate) VALUES ($1, $2, $3, $4)`,
		connector.ID, connector.ProjectID, mustJSON(connector), certificateJSON(connector.Certificate))

	return err
}

func (s *Postgres) GetConnector(ctx context.Context, projectID, id string) (*model.Connector, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT doc, certificate FROM connectors WHERE id = $1 AND ($2 = '' OR project_id = $2)`, id, projectID)

	return scanConnector(row)
}

func (s *Postgres) UpdateConnector(ctx context.Context, connector *model.Connector) error {
	return execOne(ctx, s.pool, model.ErrConnectorNotFound,
		`UPDATE connectors SET doc = $2, certificate = $3 WHERE id = $1`,
		connector.ID, mustJSON(connector), certificateJSON(connector.Certificate))
}

func (s *Postgres) DeleteConnector(ctx context.Context, projectID, id string) error {
	return execOne(ctx, s.pool, model.ErrConnectorNotFound,
		`DELETE FROM connectors WHERE id = $1 AND project_id = $2`, id, projectID)
}

func (s *Postgres) ListConnectors(ctx context.Context, projectID string) ([]*model.Connector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc, certificate FROM connectors WHERE $1 = '' OR project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Connector{}
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

func (s *Postgres) ListProxies(ctx context.Context, connectorID string) ([]*model.Proxy, error) {
	return listDocs[model.Proxy](ctx, s.pool,
		`SELECT doc FROM proxies WHERE connector_id = $1 ORDER BY created_ts, doc->>'key'`, connectorID)
}

func (s *Postgres) SyncProxies(ctx context.Context, connectorID string, created, updated []*model.Proxy, removedIDs []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range slices.Concat(created, updated) {
			batch.Queue(`
				INSERT INTO proxies (id, connector_id, created_ts, doc) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
				p.ID, connectorID, p.CreatedTs, mustJSON(p))
		}
		if len(removedIDs) > 0 {
			batch.Queue(`DELETE FROM proxies WHERE connector_id = $1 AND id = ANY($2)`, connectorID, removedIDs)
		}
		if batch.Len() == 0 {
			return nil
		}

		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Postgres) UpdateProxiesFingerprint(ctx context.Context, connectorID string, results []FingerprintResult, now int64) ([]*model.Proxy, error) {
	byID := make(map[string]*model.Fingerprint, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		byID[r.ProxyID] = r.Fingerprint
		ids = append(ids, r.ProxyID)
	}

	return s.updateProxies(ctx, connectorID, ids, func(p *model.Proxy) bool {
		if p.Removing {
			return false
		}
		p.ApplyFingerprint(byID[p.ID], now)
		return true
	})
}

func (s *Postgres) MarkProxiesRemoving(ctx context.Context, connectorID string, reqs []model.RemoveRequest) ([]*model.Proxy, error) {
	force := make(map[string]bool, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		id := model.ProxyID(connectorID, r.Key)
		force[id] = force[id] || r.Force
		ids = append(ids, id)
	}

	return s.updateProxies(ctx, connectorID, ids, func(p *model.Proxy) bool {
		p.Removing = true
		p.RemovingForce = p.RemovingForce || force[p.ID]
		return true
	})
}

// updateProxies locks the rows of ids, applies fn and writes back the
// proxies fn changed.
func (s *Postgres) updateProxies(ctx context.Context, connectorID string, ids []string, fn func(*model.Proxy) bool) ([]*model.Proxy, error) {
	out := []*model.Proxy{}
	if len(ids) == 0 {
		return out, nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		proxies, err := listDocs[model.Proxy](ctx, tx,
			`SELECT doc FROM proxies WHERE connector_id = $1 AND id = ANY($2) FOR UPDATE`, connectorID, ids)
		if err != nil {
			return err
		}

		for _, p := range proxies {
			if !fn(p) {
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE proxies SET doc = $2 WHERE id = $1`, p.ID, mustJSON(p)); err != nil {
				return err
			}
			out = append(out, p)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Postgres) CreateTask(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, connector_id, running, next_retry_ts, start_at_ts, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.ConnectorID, task.Running, task.NextRetryTs, task.StartAtTs, mustJSON(task))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.ErrTaskAlreadyRunning
	}

	return err
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return getDoc[model.Task](ctx, s.pool, model.ErrTaskNotFound, `SELECT doc FROM tasks WHERE id = $1`, id)
}

func (s *Postgres) ListTasks(ctx context.Context, connectorID string) ([]*model.Task, error) {
	return listDocs[model.Task](ctx, s.pool,
		`SELECT doc FROM tasks WHERE $1 = '' OR connector_id = $1 ORDER BY start_at_ts, id`, connectorID)
}

func (s *Postgres) GetRunningTask(ctx context.Context, connectorID string) (*model.Task, error) {
	return getDoc[model.Task](ctx, s.pool, model.ErrTaskNotFound,
		`SELECT doc FROM tasks WHERE connector_id = $1 AND running`, connectorID)
}

func (s *Postgres) ListDueTasks(ctx context.Context, now int64) ([]*model.Task, error) {
	return listDocs[model.Task](ctx, s.pool,
		`SELECT doc FROM tasks WHERE running AND next_retry_ts <= $1 ORDER BY start_at_ts, id`, now)
}

// ClaimTask is a compare-and-set on next_retry_ts: only one worker wins.
func (s *Postgres) ClaimTask(ctx context.Context, id, owner string, expected, leaseUntil int64) (*model.Task, error) {
	task, err := getDoc[model.Task](ctx, s.pool, model.ErrTaskNotClaimed, `
		UPDATE tasks
		SET next_retry_ts = $3, owner = $4, doc = jsonb_set(doc, '{nextRetryTs}', to_jsonb($3::bigint))
		WHERE id = $1 AND running AND next_retry_ts = $2
		RETURNING doc`, id, expected, leaseUntil, owner)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (s *Postgres) UpdateTask(ctx context.Context, task *model.Task) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		old, err := getDoc[model.Task](ctx, tx, model.ErrTaskNotFound,
			`SELECT doc FROM tasks WHERE id = $1 FOR UPDATE`, task.ID)
		if err != nil {
			return err
		}

		cp := task.Clone()
		cp.CancelRequested = cp.CancelRequested || old.CancelRequested
		if cp.CancelRequested && cp.Running {
			cp.NextRetryTs = 0
		}

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET running = $2, next_retry_ts = $3, owner = CASE WHEN $2 THEN owner END, doc = $4
			WHERE id = $1`, cp.ID, cp.Running, cp.NextRetryTs, mustJSON(cp))

		return err
	})
}

func (s *Postgres) RequestTaskCancel(ctx context.Context, id string) (*model.Task, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET next_retry_ts = 0, doc = doc || '{"cancelRequested": true, "nextRetryTs": 0}'::jsonb
		WHERE id = $1 AND running`, id)
	if err != nil {
		return nil, err
	}

	return s.GetTask(ctx, id)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getDoc[T any](ctx context.Context, q querier, notFound error, sql string, args ...any) (*T, error) {
	var raw []byte
	if err := q.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	return out, nil
}

func listDocs[T any](ctx context.Context, q querier, sql string, args ...any) ([]*T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		out = append(out, v)
	}

	return out, rows.Err()
}

func execOne(ctx context.Context, q querier, notFound error, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}

	return nil
}

func scanConnector(row pgx.Row) (*model.Connector, error) {
	var doc, cert []byte
	if err := row.Scan(&doc, &cert); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrConnectorNotFound
		}
		return nil, err
	}

	c := &model.Connector{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("decoding connector: %w", err)
	}
	if len(cert) > 0 {
		c.Certificate = &model.Certificate{}
		if err := json.Unmarshal(cert, c.Certificate); err != nil {
			return nil, fmt.Errorf("decoding certificate: %w", err)
		}
	}

	return c, nil
}

func certificateJSON(cert *model.Certificate) any {
	if cert == nil {
		return nil
	}
	return mustJSON(cert)
}

// mustJSON encodes model types, which always marshal.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encoding %T: %v", v, err))
	}
	return b
}
