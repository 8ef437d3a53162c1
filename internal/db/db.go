// internal/db/db.go
package db

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/mailkite/mailkite-backend/internal/config"
)

// Open connects to Postgres using the configured DSN and verifies the
// connection with a ping.
func Open(cfg config.Config) (*sql.DB, error) {
	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
