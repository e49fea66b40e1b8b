package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// OpenDB opens a Postgres connection pool via database/sql using the pgx
// stdlib driver, matching the plain *sql.DB the teacher's existing
// PG*Store implementations already expect.
func OpenDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenSqlx wraps an existing *sql.DB in sqlx, used by the newer
// CronStore/HeartbeatStore Postgres implementations, which prefer sqlx's
// struct-scanning helpers over manual rows.Scan calls.
func OpenSqlx(db *sql.DB) *sqlx.DB {
	return sqlx.NewDb(db, "pgx")
}
