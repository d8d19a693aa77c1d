// Package rebuildlog keeps the history of index rebuild and verify runs in
// PostgreSQL so operators can see when drift was last measured and repaired.
package rebuildlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/pkg/logger"
	"github.com/nabulines/nabulines/pkg/postgres"
)

// Schema creates the rebuild_runs table.
const Schema = `CREATE TABLE IF NOT EXISTS rebuild_runs (
    id           BIGSERIAL PRIMARY KEY,
    entity_type  TEXT NOT NULL,
    dry_run      BOOLEAN NOT NULL,
    drift        INTEGER NOT NULL,
    report       JSONB NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rebuild_runs_type_finished ON rebuild_runs (entity_type, finished_at DESC)`

// Run is one stored rebuild or verify.
type Run struct {
	ID     int64                `json:"id"`
	Report *index.RebuildReport `json:"report"`
}

type Store struct {
	db  *postgres.Client
	log *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:  db,
		log: logger.WithComponent("rebuild-log"),
	}
}

// Save persists a report and returns its run id.
func (s *Store) Save(ctx context.Context, report *index.RebuildReport) (int64, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("marshaling rebuild report: %w", err)
	}

	var id int64
	err = s.db.DB.QueryRowContext(ctx,
		`INSERT INTO rebuild_runs (entity_type, dry_run, drift, report, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		report.EntityType, report.DryRun, report.Drift(), data, report.StartedAt, report.FinishedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("saving rebuild run: %w", err)
	}

	s.log.Info("rebuild run saved",
		"id", id,
		"entity_type", report.EntityType,
		"dry_run", report.DryRun,
		"drift", report.Drift(),
	)
	return id, nil
}

// Latest returns the most recent run for entityType, or nil, nil if there
// is none.
func (s *Store) Latest(ctx context.Context, entityType string) (*Run, error) {
	var run Run
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, report FROM rebuild_runs WHERE entity_type = $1 ORDER BY finished_at DESC, id DESC LIMIT 1`,
		entityType,
	).Scan(&run.ID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest rebuild run: %w", err)
	}
	if err := json.Unmarshal(data, &run.Report); err != nil {
		return nil, fmt.Errorf("unmarshaling rebuild report: %w", err)
	}
	return &run, nil
}

// List returns the last limit runs across all types, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, report FROM rebuild_runs ORDER BY finished_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing rebuild runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		var data []byte
		if err := rows.Scan(&run.ID, &data); err != nil {
			return nil, fmt.Errorf("scanning rebuild run: %w", err)
		}
		if err := json.Unmarshal(data, &run.Report); err != nil {
			s.log.Warn("skipping corrupt rebuild run", "id", run.ID, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
