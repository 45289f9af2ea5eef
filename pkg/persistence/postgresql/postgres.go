// Package postgresql provides a PostgreSQL checkpoint store.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/persistence"
	"github.com/dukex/kernelgraph/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const checkpointColumns = `id, execution_id, graph_name, sequence_number, node_id, name, reason,
	steps, pending_nodes, data, size_bytes, created_at`

// Store implements checkpoint.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to databaseURL and runs the schema migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql_checkpoint_store")

	// Run migrations on initialization
	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	pending, err := json.Marshal(nonNil(cp.PendingNodes))
	if err != nil {
		return fmt.Errorf("failed to marshal pending nodes: %w", err)
	}

	query := `
		INSERT INTO checkpoints (` + checkpointColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			graph_name = EXCLUDED.graph_name,
			node_id = EXCLUDED.node_id,
			name = EXCLUDED.name,
			reason = EXCLUDED.reason,
			steps = EXCLUDED.steps,
			pending_nodes = EXCLUDED.pending_nodes,
			data = EXCLUDED.data,
			size_bytes = EXCLUDED.size_bytes
	`

	_, err = s.db.ExecContext(ctx, query,
		cp.ID, cp.ExecutionID, cp.GraphName, cp.SequenceNumber, cp.NodeID, cp.Name, string(cp.Reason),
		cp.Steps, pending, cp.Data, cp.SizeBytes, cp.CreatedAt.UTC(),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to save checkpoint", "checkpoint_id", cp.ID, "error", err)

		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id::text = $1`, id)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewCheckpointError("Get", id, checkpoint.ErrCheckpointNotFound)
		}

		return nil, persistence.NewCheckpointError("Get", id, err)
	}

	return cp, nil
}

func (s *Store) ListByExecution(ctx context.Context, executionID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE execution_id = $1 ORDER BY sequence_number`,
		executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("ListByExecution", executionID, err)
	}

	return collect(rows)
}

func (s *Store) List(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints ORDER BY created_at, execution_id, sequence_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}

	return collect(rows)
}

func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id::text = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*checkpoint.Checkpoint, error) {
	var (
		cp      checkpoint.Checkpoint
		reason  string
		pending []byte
	)

	err := row.Scan(&cp.ID, &cp.ExecutionID, &cp.GraphName, &cp.SequenceNumber, &cp.NodeID, &cp.Name,
		&reason, &cp.Steps, &pending, &cp.Data, &cp.SizeBytes, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	cp.Reason = checkpoint.Reason(reason)

	if err := json.Unmarshal(pending, &cp.PendingNodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending nodes: %w", err)
	}

	if len(cp.PendingNodes) == 0 {
		cp.PendingNodes = nil
	}

	return &cp, nil
}

func collect(rows *sql.Rows) ([]*checkpoint.Checkpoint, error) {
	defer func() { _ = rows.Close() }()

	list := make([]*checkpoint.Checkpoint, 0)

	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		list = append(list, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}

	return list, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}

	return ids
}
