package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payload-tracker/backend/internal/payload/domain"
)

// ErrNotFound is returned by Rename and Merge when the payload does not exist.
var ErrNotFound = errors.New("payload not found")

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a payload repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the payload for id with its identifiers, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Payload, error) {
	p := domain.Payload{ID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM payloads WHERE id = $1`, id,
	).Scan(&p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ids, err := r.identifiers(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Identifiers = ids
	return &p, nil
}

// GetOrCreateByIdentifier resolves or creates the payload for the identifier.
// The boolean reports whether a new payload was created. Concurrent first
// sightings of the same identifier are resolved by the unique constraint on
// payload_identifiers: the loser's insert conflicts and it re-reads the winner.
func (r *PostgresRepository) GetOrCreateByIdentifier(ctx context.Context, identifier string) (*domain.Payload, bool, error) {
	if p, err := r.getByIdentifier(ctx, identifier); err != nil || p != nil {
		return p, false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payloads (id, name, created_at) VALUES ($1, $2, $3)`,
		id, identifier, now,
	); err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payload_identifiers (identifier, payload_id, created_at)
		 VALUES ($1, $2, $3) ON CONFLICT (identifier) DO NOTHING`,
		identifier, id, now,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// Another ingestion task created this identifier first; discard ours.
		_ = tx.Rollback()
		p, err := r.getByIdentifier(ctx, identifier)
		if err != nil {
			return nil, false, err
		}
		if p == nil {
			return nil, false, fmt.Errorf("identifier %q vanished during upsert", identifier)
		}
		return p, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &domain.Payload{ID: id, Name: identifier, Identifiers: []string{identifier}, CreatedAt: now}, true, nil
}

// Rename sets the payload's display name. Returns ErrNotFound if no such payload.
func (r *PostgresRepository) Rename(ctx context.Context, id, name string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE payloads SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Merge reassigns all ownership from source to target and deletes source, in
// one transaction. Telemetry rows left with zero referencing raw messages are
// garbage-collected in the same transaction.
func (r *PostgresRepository) Merge(ctx context.Context, targetID, sourceID string) error {
	if targetID == sourceID {
		return errors.New("cannot merge a payload into itself")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payloads WHERE id = $1)`, targetID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	for _, q := range []string{
		`UPDATE raw_messages SET payload_id = $1 WHERE payload_id = $2`,
		`UPDATE telemetry SET payload_id = $1 WHERE payload_id = $2`,
		`UPDATE payload_identifiers SET payload_id = $1 WHERE payload_id = $2`,
	} {
		if _, err := tx.ExecContext(ctx, q, targetID, sourceID); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM payloads WHERE id = $1`, sourceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM telemetry t
		 WHERE t.payload_id = $1
		   AND NOT EXISTS (SELECT 1 FROM raw_messages m WHERE m.telemetry_id = t.id)`,
		targetID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepository) getByIdentifier(ctx context.Context, identifier string) (*domain.Payload, error) {
	var p domain.Payload
	err := r.db.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.created_at
		 FROM payloads p JOIN payload_identifiers i ON i.payload_id = p.id
		 WHERE i.identifier = $1`, identifier,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ids, err := r.identifiers(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Identifiers = ids
	return &p, nil
}

func (r *PostgresRepository) identifiers(ctx context.Context, payloadID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT identifier FROM payload_identifiers WHERE payload_id = $1 ORDER BY created_at`, payloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
