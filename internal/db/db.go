// Package db bootstraps the shared Postgres connection pool.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Config controls pool sizing. Zero values fall back to the documented
// defaults from the concurrency & resource model (max 50 connections).
type Config struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open dials Postgres at connStr and tunes the pool per cfg.
func Open(connStr string, cfg Config) (*sql.DB, error) {
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 50
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = maxOpen
	}

	database.SetMaxOpenConns(maxOpen)
	database.SetMaxIdleConns(maxIdle)

	return database, nil
}
