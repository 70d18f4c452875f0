package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
)

// PostgresDurable implements Durable over a PostgreSQL connection pool.
type PostgresDurable struct {
	pool *pgxpool.Pool
}

// NewPostgresDurable initializes a PostgresDurable with a connection pool.
func NewPostgresDurable(ctx context.Context, connString string) (*PostgresDurable, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresDurable{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresDurable) Close() {
	s.pool.Close()
}

const evaluationColumns = `
	id, code, language, priority, timeout_seconds, status, cause,
	created_at, started_at, completed_at,
	stdout, stderr, stdout_ref, stderr_ref,
	exit_code, executor_slot, sandbox_id, retry_count, metadata, deleted
`

func (s *PostgresDurable) UpsertEvaluation(ctx context.Context, e *Evaluation) error {
	query := `
		INSERT INTO evaluations (
			id, code, language, priority, timeout_seconds, status, cause,
			created_at, started_at, completed_at,
			stdout, stderr, stdout_ref, stderr_ref,
			exit_code, executor_slot, sandbox_id, retry_count, metadata, deleted
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cause = EXCLUDED.cause,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			stdout = EXCLUDED.stdout,
			stderr = EXCLUDED.stderr,
			stdout_ref = EXCLUDED.stdout_ref,
			stderr_ref = EXCLUDED.stderr_ref,
			exit_code = EXCLUDED.exit_code,
			executor_slot = EXCLUDED.executor_slot,
			sandbox_id = EXCLUDED.sandbox_id,
			retry_count = EXCLUDED.retry_count,
			metadata = EXCLUDED.metadata,
			deleted = EXCLUDED.deleted
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Code, e.Language, e.Priority, e.TimeoutSeconds, e.Status, e.Cause,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
		e.Stdout, e.Stderr, e.StdoutRef, e.StderrRef,
		e.ExitCode, e.ExecutorSlot, e.SandboxID, e.RetryCount, e.Metadata, e.Deleted,
	)
	return err
}

func (s *PostgresDurable) UpdateEvaluationIf(ctx context.Context, e *Evaluation, from statemachine.Status) (bool, error) {
	query := `
		UPDATE evaluations SET
			status = $2, cause = $3, started_at = $4, completed_at = $5,
			stdout = $6, stderr = $7, stdout_ref = $8, stderr_ref = $9,
			exit_code = $10, executor_slot = $11, sandbox_id = $12,
			retry_count = $13, metadata = $14, deleted = $15
		WHERE id = $1 AND status = $16
	`
	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.Status, e.Cause, e.StartedAt, e.CompletedAt,
		e.Stdout, e.Stderr, e.StdoutRef, e.StderrRef,
		e.ExitCode, e.ExecutorSlot, e.SandboxID,
		e.RetryCount, e.Metadata, e.Deleted,
		from,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresDurable) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	query := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE id = $1`
	var e Evaluation
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Code, &e.Language, &e.Priority, &e.TimeoutSeconds, &e.Status, &e.Cause,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
		&e.Stdout, &e.Stderr, &e.StdoutRef, &e.StderrRef,
		&e.ExitCode, &e.ExecutorSlot, &e.SandboxID, &e.RetryCount, &e.Metadata, &e.Deleted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresDurable) ListNonTerminal(ctx context.Context, olderThan time.Time) ([]*Evaluation, error) {
	query := `SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE status NOT IN ('completed', 'failed', 'cancelled', 'timeout')
		  AND deleted = FALSE
		  AND created_at < $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(
			&e.ID, &e.Code, &e.Language, &e.Priority, &e.TimeoutSeconds, &e.Status, &e.Cause,
			&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
			&e.Stdout, &e.Stderr, &e.StdoutRef, &e.StderrRef,
			&e.ExitCode, &e.ExecutorSlot, &e.SandboxID, &e.RetryCount, &e.Metadata, &e.Deleted,
		); err != nil {
			return nil, err
		}
		evals = append(evals, &e)
	}
	return evals, rows.Err()
}

func (s *PostgresDurable) PurgeEvaluation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE evaluations SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("evaluation not found")
	}
	return nil
}
