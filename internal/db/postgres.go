// Package db opens the Postgres store shared by the ingestion and broadcast
// processes and carries the embedded schema migrations.
package db

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to the telemetry store at the given DSN and verifies the
// connection with a ping. Caller must call Close when done.
func Open(dsn string) (*sql.DB, error) {
	store, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
