// Package repository contains all database access for the sync server.
// Only SQL and type mapping live here; business rules stay in the
// service and session layers.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// db is the minimal query interface satisfied by *pgxpool.Pool, pgx.Conn,
// and pgx.Tx, so tests can substitute a transaction they roll back.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txdb adds transaction support for repositories that write multiple
// tables atomically.
type txdb interface {
	db
	Begin(ctx context.Context) (pgx.Tx, error)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}
