package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// openPostgres opens and pings a PostgreSQL connection. Host, port,
// database name and sslmode fall back to sensible defaults; user and
// password come straight from the config.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host := cfg.PostgresHost
	port := cfg.PostgresPort
	dbname := cfg.PostgresDB
	sslmode := cfg.PostgresSSLMode
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	if dbname == "" {
		dbname = "kestrel"
	}
	if sslmode == "" {
		sslmode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, cfg.PostgresUser, cfg.PostgresPassword, dbname, sslmode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres at %s:%d: %w", host, port, err)
	}
	return db, nil
}
