package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := NewPGStoreFromDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStoreFromDB wraps an open handle without migrating it.
func NewPGStoreFromDB(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists mitigation_workflows (
  id text primary key,
  version text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create table if not exists mitigation_workflow_versions (
  workflow_id text not null,
  version text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  primary key (workflow_id, version)
);
create table if not exists mitigation_executions (
  id text primary key,
  workflow_id text not null,
  instruction_id text not null,
  status text not null,
  current_step int not null,
  payload jsonb not null,
  started_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists mitigation_executions_instruction_idx on mitigation_executions (instruction_id);
create index if not exists mitigation_executions_started_idx on mitigation_executions (started_at);
`)
	return err
}

func (s *PGStore) SaveExecution(ctx context.Context, e Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into mitigation_executions (id, workflow_id, instruction_id, status, current_step, payload, started_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$8)
on conflict (id) do update set status = excluded.status, current_step = excluded.current_step, payload = excluded.payload, updated_at = excluded.updated_at`,
		e.ID, e.WorkflowID, e.InstructionID, string(e.Status), e.CurrentStep, b, e.StartedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *PGStore) GetExecution(ctx context.Context, id string) (Execution, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `select payload from mitigation_executions where id=$1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return Execution{}, err
	}
	var e Execution
	if err := json.Unmarshal(raw, &e); err != nil {
		return Execution{}, err
	}
	return e, nil
}

func (s *PGStore) ListByInstruction(ctx context.Context, instructionID string) ([]Execution, error) {
	return s.queryExecutions(ctx, `select payload from mitigation_executions where instruction_id=$1 order by started_at asc, id asc`, instructionID)
}

func (s *PGStore) ListSince(ctx context.Context, since time.Time) ([]Execution, error) {
	return s.queryExecutions(ctx, `select payload from mitigation_executions where started_at >= $1 order by started_at asc, id asc`, since)
}

func (s *PGStore) queryExecutions(ctx context.Context, query string, arg any) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Execution, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e Execution
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveWorkflowVersion upserts the current definition and appends the
// version row in one transaction.
func (s *PGStore) SaveWorkflowVersion(ctx context.Context, v WorkflowVersion) error {
	b, err := json.Marshal(v.Payload)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `insert into mitigation_workflows (id, version, payload, created_at, updated_at) values ($1,$2,$3,$4,$5)
on conflict (id) do update set version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`,
		v.WorkflowID, v.Version, b, v.Payload.CreatedAt, v.Payload.UpdatedAt); err != nil {
		return fmt.Errorf("save workflow %s: %w", v.WorkflowID, err)
	}
	if _, err := tx.ExecContext(ctx, `insert into mitigation_workflow_versions (workflow_id, version, payload, created_at) values ($1,$2,$3,$4)
on conflict (workflow_id, version) do nothing`,
		v.WorkflowID, v.Version, b, v.CreatedAt); err != nil {
		return fmt.Errorf("save workflow version %s@%s: %w", v.WorkflowID, v.Version, err)
	}
	return tx.Commit()
}

func (s *PGStore) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `select payload from mitigation_workflows order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Workflow
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var w Workflow
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
