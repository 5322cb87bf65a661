package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"payload-tracker/backend/internal/geo"
	"payload-tracker/backend/internal/telemetry/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const telemetryColumns = `id, payload_id, event_time, first_seen, last_mutated,
	lat, lon, accuracy, altitude, speed, course, battery, extra, sources, confidence`

// GetByID returns the telemetry row for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Telemetry, error) {
	t, err := scanTelemetry(r.db.QueryRowContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// FindNearestInWindow returns the payload's row closest in event time to
// effective within the coalescing window, or nil when none qualifies.
// The snapshot may be stale by the time a merge lock is held; mergers re-read
// the row by id under the fusion row lock before writing.
func (r *PostgresRepository) FindNearestInWindow(ctx context.Context, payloadID string, effective time.Time, window time.Duration) (*domain.Telemetry, error) {
	t, err := scanTelemetry(r.db.QueryRowContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry
		 WHERE payload_id = $1 AND event_time BETWEEN $2 AND $3
		 ORDER BY ABS(EXTRACT(EPOCH FROM (event_time - $4))), id
		 LIMIT 1`,
		payloadID, effective.Add(-window), effective.Add(window), effective))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// Create inserts the telemetry row. The row must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.Telemetry) error {
	extra, sources, err := marshalJSON(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO telemetry (`+telemetryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.PayloadID, t.EventTime, t.FirstSeen, t.LastMutated,
		t.Lat, t.Lon, nullF(t.Accuracy), nullF(t.Altitude), nullF(t.Speed), nullF(t.Course), nullF(t.Battery),
		extra, sources, string(t.Confidence))
	return err
}

// Update rewrites the row's fused state. Only called under the fusion bucket lock.
func (r *PostgresRepository) Update(ctx context.Context, t *domain.Telemetry) error {
	extra, sources, err := marshalJSON(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE telemetry SET event_time = $2, first_seen = $3, last_mutated = $4,
		 lat = $5, lon = $6, accuracy = $7, altitude = $8, speed = $9, course = $10, battery = $11,
		 extra = $12, sources = $13, confidence = $14
		 WHERE id = $1`,
		t.ID, t.EventTime, t.FirstSeen, t.LastMutated,
		t.Lat, t.Lon, nullF(t.Accuracy), nullF(t.Altitude), nullF(t.Speed), nullF(t.Course), nullF(t.Battery),
		extra, sources, string(t.Confidence))
	return err
}

// LastConfirmedPoint returns the payload's most recent confirmed position,
// excluding the row being merged, or nil when there is none.
func (r *PostgresRepository) LastConfirmedPoint(ctx context.Context, payloadID, excludeID string) (*domain.Point, error) {
	t, err := scanTelemetry(r.db.QueryRowContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry
		 WHERE payload_id = $1 AND confidence = 'confirmed' AND id <> $2
		 ORDER BY event_time DESC LIMIT 1`,
		payloadID, excludeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p := t.Snapshot()
	return &p, nil
}

// GetByPayloadAndEventTime returns the row for the (payload, event time) key, or nil if not found.
func (r *PostgresRepository) GetByPayloadAndEventTime(ctx context.Context, payloadID string, eventTime time.Time) (*domain.Telemetry, error) {
	t, err := scanTelemetry(r.db.QueryRowContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry
		 WHERE payload_id = $1 AND event_time = $2
		 ORDER BY id LIMIT 1`,
		payloadID, eventTime))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// Range returns all points inside the box not older than since, ordered by
// event time then payload id so batches are stable across retries.
func (r *PostgresRepository) Range(ctx context.Context, box geo.BoundingBox, since time.Time) ([]domain.Point, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payload_id, event_time, lat, lon, altitude, speed, course, battery, confidence
		 FROM telemetry
		 WHERE event_time >= $1
		   AND lat BETWEEN $2 AND $3 AND lon BETWEEN $4 AND $5
		 ORDER BY event_time, payload_id`,
		since, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Point
	for rows.Next() {
		var p domain.Point
		var alt, speed, course, battery sql.NullFloat64
		var confidence string
		if err := rows.Scan(&p.TelemetryID, &p.PayloadID, &p.EventTime, &p.Lat, &p.Lon,
			&alt, &speed, &course, &battery, &confidence); err != nil {
			return nil, err
		}
		p.Altitude = fromNullF(alt)
		p.Speed = fromNullF(speed)
		p.Course = fromNullF(course)
		p.Battery = fromNullF(battery)
		p.Confidence = domain.Confidence(confidence)
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTelemetry(s rowScanner) (*domain.Telemetry, error) {
	var t domain.Telemetry
	var accuracy, altitude, speed, course, battery sql.NullFloat64
	var extra, sources []byte
	var confidence string
	if err := s.Scan(&t.ID, &t.PayloadID, &t.EventTime, &t.FirstSeen, &t.LastMutated,
		&t.Lat, &t.Lon, &accuracy, &altitude, &speed, &course, &battery,
		&extra, &sources, &confidence); err != nil {
		return nil, err
	}
	t.Accuracy = fromNullF(accuracy)
	t.Altitude = fromNullF(altitude)
	t.Speed = fromNullF(speed)
	t.Course = fromNullF(course)
	t.Battery = fromNullF(battery)
	t.Confidence = domain.Confidence(confidence)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &t.Extra); err != nil {
			return nil, err
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &t.Sources); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func marshalJSON(t *domain.Telemetry) (extra, sources []byte, err error) {
	e := t.Extra
	if e == nil {
		e = map[string]any{}
	}
	extra, err = json.Marshal(e)
	if err != nil {
		return nil, nil, err
	}
	s := t.Sources
	if s == nil {
		s = []domain.SourceRef{}
	}
	sources, err = json.Marshal(s)
	if err != nil {
		return nil, nil, err
	}
	return extra, sources, nil
}

func nullF(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullF(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
