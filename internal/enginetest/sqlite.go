// Package enginetest provides SQLite-backed stand-ins for the replication
// engine, for use in package tests.
package enginetest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/glebarez/go-sqlite"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

// Schema is the database name every SQLite handle exposes its tables under.
const Schema = "main"

// OpenSQLite opens a file-backed SQLite database in a temporary directory.
// Separate connections share the file, so transactions behave as they would
// against a server.
func OpenSQLite(t testing.TB, name string) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", filepath.Join(t.TempDir(), name+".db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	require.NoError(t, db.Ping())
	return db
}

func Table(name string) engine.TableRef {
	return engine.TableRef{Database: Schema, Table: name}
}
