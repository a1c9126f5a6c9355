package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ponsauto/pons/engine/domain"
)

// Schema creates the jobs table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS publish_jobs (
	id           TEXT PRIMARY KEY,
	vin          TEXT NOT NULL,
	channels     TEXT[] NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	results      JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS publish_jobs_vin_created_idx ON publish_jobs (vin, created_at);
`

const jobColumns = `id, vin, channels, status, created_at, completed_at, results`

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ querier = (*pgxpool.Pool)(nil)

// PostgresStore persists jobs in PostgreSQL with results as JSONB.
type PostgresStore struct {
	db querier
}

// OpenPostgresStore connects to dsn and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: schema: %w", err)
	}
	return &PostgresStore{db: pool}, pool, nil
}

func (s *PostgresStore) Save(ctx context.Context, j Job) error {
	results, err := json.Marshal(nonNilResults(j.Results))
	if err != nil {
		return fmt.Errorf("publish: encode results %s: %w", j.ID, err)
	}
	channels := make([]string, len(j.Channels))
	for i, ch := range j.Channels {
		channels[i] = string(ch)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO publish_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	results = EXCLUDED.results`,
		j.ID, j.VIN, channels, string(j.Status), j.CreatedAt, j.CompletedAt, string(results))
	if err != nil {
		return fmt.Errorf("publish: save job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("publish: %s: %w", id, ErrJobNotFound)
	}
	return j, err
}

func (s *PostgresStore) List(ctx context.Context, vin string) ([]Job, error) {
	sql := `SELECT ` + jobColumns + ` FROM publish_jobs`
	var args []any
	if vin != "" {
		sql += ` WHERE vin = $1`
		args = append(args, vin)
	}
	sql += ` ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("publish: list jobs: %w", err)
	}
	defer rows.Close()
	out := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		j        Job
		channels []string
		status   string
		results  []byte
	)
	if err := row.Scan(&j.ID, &j.VIN, &channels, &status, &j.CreatedAt, &j.CompletedAt, &results); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.Channels = make([]domain.Channel, len(channels))
	for i, ch := range channels {
		j.Channels[i] = domain.Channel(ch)
	}
	j.Results = map[domain.Channel]domain.ChannelResult{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return Job{}, fmt.Errorf("publish: decode results %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func nonNilResults(m map[domain.Channel]domain.ChannelResult) map[domain.Channel]domain.ChannelResult {
	if m == nil {
		return map[domain.Channel]domain.ChannelResult{}
	}
	return m
}
