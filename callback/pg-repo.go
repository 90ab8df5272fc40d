package callback

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
	CREATE TABLE IF NOT EXISTS callback_records (
		submission_id TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		last_callback TEXT NOT NULL DEFAULT '',
		result_ref    TEXT NOT NULL DEFAULT '',
		error_msg     TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		version       BIGINT NOT NULL
	)
`

type PgRepo struct {
	pool *pgxpool.Pool
}

func NewPgRepo(pool *pgxpool.Pool) *PgRepo {
	return &PgRepo{pool: pool}
}

// EnsureSchema creates the records table when it does not exist yet.
func (r *PgRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create callback_records table: %w", err)
	}
	return nil
}

func (r *PgRepo) Create(ctx context.Context, rec Record) error {
	insertQuery := `
		INSERT INTO callback_records (
			submission_id, state, last_callback, result_ref, error_msg, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (submission_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, insertQuery,
		rec.SubmissionID,
		string(rec.State),
		string(rec.LastCallback),
		rec.ResultRef,
		rec.ErrorMsg,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert callback record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRegistered()
	}
	return nil
}

func (r *PgRepo) Get(ctx context.Context, id string) (Record, error) {
	selectQuery := `
		SELECT submission_id, state, last_callback, result_ref, error_msg, created_at, updated_at, version
		FROM callback_records
		WHERE submission_id = $1
	`
	var rec Record
	var state, last string
	err := r.pool.QueryRow(ctx, selectQuery, id).Scan(
		&rec.SubmissionID,
		&state,
		&last,
		&rec.ResultRef,
		&rec.ErrorMsg,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrSubmissionNotFound().SetDebug(err)
		}
		return Record{}, fmt.Errorf("failed to query callback record: %w", err)
	}
	rec.State = State(state)
	rec.LastCallback = Type(last)
	return rec, nil
}

func (r *PgRepo) Update(ctx context.Context, rec Record) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored int64
	err = tx.QueryRow(ctx, `SELECT version FROM callback_records WHERE submission_id = $1 FOR UPDATE`, rec.SubmissionID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubmissionNotFound().SetDebug(err)
		}
		return fmt.Errorf("failed to lock callback record: %w", err)
	}
	if stored != rec.Version-1 {
		return ErrVersionConflict
	}

	updateQuery := `
		UPDATE callback_records
		SET state = $2, last_callback = $3, result_ref = $4, error_msg = $5, updated_at = $6, version = $7
		WHERE submission_id = $1
	`
	_, err = tx.Exec(ctx, updateQuery,
		rec.SubmissionID,
		string(rec.State),
		string(rec.LastCallback),
		rec.ResultRef,
		rec.ErrorMsg,
		rec.UpdatedAt,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update callback record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit callback record: %w", err)
	}
	return nil
}
