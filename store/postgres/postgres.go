// Package postgres provides PostgreSQL-backed stores for definitions,
// checkpoints, and dead letters. One Store serves all three interfaces so a
// single connection pool covers the engine's persistence.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/conductor"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id           TEXT NOT NULL,
	version      INTEGER NOT NULL,
	document     JSONB NOT NULL,
	published_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS workflow_checkpoints (
	instance_id   TEXT PRIMARY KEY,
	sequence      BIGINT NOT NULL,
	definition_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	document      JSONB NOT NULL,
	committed_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_dead_letters (
	id            TEXT PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	node_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	message       TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	compensation  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS workflow_dead_letters_instance
	ON workflow_dead_letters (instance_id, created_at);
`

// Store bundles the PostgreSQL-backed stores behind one connection pool.
// Definitions, Checkpoints, and DeadLetters satisfy the corresponding
// conductor store interfaces.
type Store struct {
	db *sql.DB

	Definitions *DefinitionStore
	Checkpoints *CheckpointStore
	DeadLetters *DeadLetterStore
}

// DefinitionStore persists published definitions.
type DefinitionStore struct {
	db *sql.DB
}

// CheckpointStore persists the latest checkpoint per instance.
type CheckpointStore struct {
	db *sql.DB
}

// DeadLetterStore persists dead letters.
type DeadLetterStore struct {
	db *sql.DB
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// DB overrides DSN with an existing pool, for tests.
	DB *sql.DB
}

// New opens the database and creates the schema if needed.
func New(ctx context.Context, opts StoreOptions) (*Store, error) {
	db := opts.DB
	if db == nil {
		var err error
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{
		db:          db,
		Definitions: &DefinitionStore{db: db},
		Checkpoints: &CheckpointStore{db: db},
		DeadLetters: &DeadLetterStore{db: db},
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a definition under the next version for its id.
func (s *DefinitionStore) Put(ctx context.Context, def *conductor.Definition) (*conductor.Definition, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("definition id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE id = $1`,
		def.ID).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version: %w", err)
	}

	clone := *def
	clone.Version = version
	document, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, document) VALUES ($1, $2, $3)`,
		clone.ID, clone.Version, document)
	if err != nil {
		return nil, fmt.Errorf("failed to insert definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// Get returns one version of a definition; version 0 means latest.
func (s *DefinitionStore) Get(ctx context.Context, id string, version int) (*conductor.Definition, error) {
	var document []byte
	var err error
	if version == 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT document FROM workflow_definitions WHERE id = $1 ORDER BY version DESC LIMIT 1`,
			id).Scan(&document)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT document FROM workflow_definitions WHERE id = $1 AND version = $2`,
			id, version).Scan(&document)
	}
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("definition %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	var def conductor.Definition
	if err := json.Unmarshal(document, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return &def, nil
}

// List returns the latest version of every definition.
func (s *DefinitionStore) List(ctx context.Context) ([]*conductor.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (id) document
		FROM workflow_definitions
		ORDER BY id, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*conductor.Definition
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var def conductor.Definition
		if err := json.Unmarshal(document, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// Commit upserts the latest checkpoint for an instance. The WHERE guard on
// the update enforces strictly increasing sequences even with concurrent
// writers.
func (s *CheckpointStore) Commit(ctx context.Context, cp *conductor.Checkpoint) error {
	if cp.InstanceID == "" {
		return fmt.Errorf("checkpoint missing instance id")
	}
	document, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (instance_id, sequence, definition_id, status, document, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instance_id) DO UPDATE
		SET sequence = EXCLUDED.sequence,
		    status = EXCLUDED.status,
		    document = EXCLUDED.document,
		    committed_at = EXCLUDED.committed_at
		WHERE workflow_checkpoints.sequence < EXCLUDED.sequence`,
		cp.InstanceID, cp.Sequence, cp.DefinitionID, string(cp.Status), document, cp.CommittedAt)
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("stale checkpoint for %s: sequence %d not above stored sequence",
			cp.InstanceID, cp.Sequence)
	}
	return nil
}

// LoadLatest returns the most recent checkpoint for an instance, or nil.
func (s *CheckpointStore) LoadLatest(ctx context.Context, instanceID string) (*conductor.Checkpoint, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM workflow_checkpoints WHERE instance_id = $1`,
		instanceID).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp conductor.Checkpoint
	if err := json.Unmarshal(document, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns summaries of the latest checkpoint per instance.
func (s *CheckpointStore) List(ctx context.Context) ([]*conductor.CheckpointSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, definition_id, status, sequence, committed_at
		FROM workflow_checkpoints
		ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var summaries []*conductor.CheckpointSummary
	for rows.Next() {
		var summary conductor.CheckpointSummary
		var status string
		var committedAt time.Time
		if err := rows.Scan(&summary.InstanceID, &summary.DefinitionID, &status,
			&summary.Sequence, &committedAt); err != nil {
			return nil, err
		}
		summary.Status = conductor.InstanceStatus(status)
		summary.CommittedAt = committedAt
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// Delete removes the checkpoint for an instance.
func (s *CheckpointStore) Delete(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Append stores a dead letter.
func (s *DeadLetterStore) Append(ctx context.Context, letter *conductor.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_dead_letters
			(id, instance_id, definition_id, node_id, kind, message, attempts, compensation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		letter.ID, letter.InstanceID, letter.DefinitionID, letter.NodeID,
		string(letter.Kind), letter.Message, letter.Attempts, letter.Compensation, letter.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ListByInstance returns the dead letters for an instance in creation order.
func (s *DeadLetterStore) ListByInstance(ctx context.Context, instanceID string) ([]*conductor.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, definition_id, node_id, kind, message, attempts, compensation, created_at
		FROM workflow_dead_letters
		WHERE instance_id = $1
		ORDER BY created_at`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*conductor.DeadLetter
	for rows.Next() {
		var letter conductor.DeadLetter
		var kind string
		if err := rows.Scan(&letter.ID, &letter.InstanceID, &letter.DefinitionID,
			&letter.NodeID, &kind, &letter.Message, &letter.Attempts,
			&letter.Compensation, &letter.CreatedAt); err != nil {
			return nil, err
		}
		letter.Kind = conductor.ErrorKind(kind)
		letters = append(letters, &letter)
	}
	return letters, rows.Err()
}

// Interface checks
var (
	_ conductor.DefinitionStore = (*DefinitionStore)(nil)
	_ conductor.CheckpointStore = (*CheckpointStore)(nil)
	_ conductor.DeadLetterStore = (*DeadLetterStore)(nil)
)
