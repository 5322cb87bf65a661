package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"payload-tracker/backend/internal/rawmsg/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a raw-message repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert persists the raw message. Empty PayloadID/TelemetryID are stored as NULL.
func (r *PostgresRepository) Insert(ctx context.Context, m *domain.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO raw_messages
		 (id, payload_id, telemetry_id, received_at, declared_at, ingest_method, transmit_method, source_label, raw)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, nullStr(m.PayloadID), nullStr(m.TelemetryID), m.ReceivedAt, nullTime(m.DeclaredAt),
		m.IngestMethod, m.TransmitMethod, m.SourceLabel, m.Raw,
	)
	return err
}

// LinkTelemetry sets the telemetry back-reference for the message.
func (r *PostgresRepository) LinkTelemetry(ctx context.Context, id, telemetryID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE raw_messages SET telemetry_id = $2 WHERE id = $1`, id, telemetryID)
	return err
}

// GetByID returns the raw message for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.RawMessage, error) {
	m, err := scanRawMessage(r.db.QueryRowContext(ctx,
		`SELECT id, payload_id, telemetry_id, received_at, declared_at, ingest_method, transmit_method, source_label, raw
		 FROM raw_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ListByTelemetry returns all raw messages fused into the given telemetry row,
// in receipt order.
func (r *PostgresRepository) ListByTelemetry(ctx context.Context, telemetryID string) ([]*domain.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payload_id, telemetry_id, received_at, declared_at, ingest_method, transmit_method, source_label, raw
		 FROM raw_messages WHERE telemetry_id = $1 ORDER BY received_at`, telemetryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.RawMessage
	for rows.Next() {
		m, err := scanRawMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRawMessage(s rowScanner) (*domain.RawMessage, error) {
	var m domain.RawMessage
	var payloadID, telemetryID sql.NullString
	var declaredAt sql.NullTime
	if err := s.Scan(&m.ID, &payloadID, &telemetryID, &m.ReceivedAt, &declaredAt,
		&m.IngestMethod, &m.TransmitMethod, &m.SourceLabel, &m.Raw); err != nil {
		return nil, err
	}
	m.PayloadID = payloadID.String
	m.TelemetryID = telemetryID.String
	if declaredAt.Valid {
		t := declaredAt.Time
		m.DeclaredAt = &t
	}
	return &m, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
