package engine

import (
	"context"
	"fmt"
)

const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite3"
)

// CreateDatabase creates database when the dialect has databases as a
// first-class object. SQLite schemas are attached, not created, so it is a no-op there.
func CreateDatabase(ctx context.Context, db Execer, dialect string, database string) error {
	if dialect != DialectMySQL {
		return nil
	}
	_, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+QuoteIdent(database))
	if err != nil {
		return fmt.Errorf("engine: create database %s: %w", database, err)
	}
	return nil
}
