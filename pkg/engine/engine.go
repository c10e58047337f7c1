// Package engine describes the capabilities the replication core needs from the
// database: named table snapshots, clone at a snapshot, a row-level diff written
// to a stage location, checksums and bulk loads. The core talks only to these
// interfaces and to database/sql.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrSnapshotNotFound = errors.New("engine: snapshot not found")
	ErrTableNotFound    = errors.New("engine: table not found")
)

// TableRef names a table in a database.
type TableRef struct {
	Database string
	Table    string
}

func (t TableRef) String() string {
	return t.Database + "." + t.Table
}

// Quoted returns the backtick-quoted, database-qualified identifier.
func (t TableRef) Quoted() string {
	return QuoteIdent(t.Database) + "." + QuoteIdent(t.Table)
}

func (t TableRef) IsZero() bool {
	return t.Database == "" && t.Table == ""
}

// SnapshotRef is an engine snapshot of a single table.
type SnapshotRef struct {
	Name      string
	Database  string
	Table     string
	CreatedAt time.Time
}

func (s SnapshotRef) TableRef() TableRef {
	return TableRef{Database: s.Database, Table: s.Table}
}

// Format is the encoding of a diff artifact file.
type Format uint8

const (
	FormatUnknown Format = iota
	// FormatBootstrap is a CSV of full rows: fields enclosed by '"', escaped by '\', terminated by ','.
	FormatBootstrap
	// FormatIncremental is a SQL script of removals and replacements.
	FormatIncremental
)

func (f Format) String() string {
	switch f {
	case FormatBootstrap:
		return "bootstrap"
	case FormatIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// FormatForLocation infers the artifact format from the file extension.
func FormatForLocation(location string) Format {
	switch strings.ToLower(path.Ext(location)) {
	case ".csv":
		return FormatBootstrap
	case ".sql":
		return FormatIncremental
	default:
		return FormatUnknown
	}
}

// Checksum is a content fingerprint of a table or of a sample of it.
type Checksum struct {
	Rows int64
	Hash uint64
}

func (c Checksum) Equal(o Checksum) bool {
	return c.Rows == o.Rows && c.Hash == o.Hash
}

type ChecksumOptions struct {
	// Snapshot reads the table as of the named snapshot when set.
	Snapshot string
	// CountOnly skips the row hash.
	CountOnly bool
	// SamplePercent restricts hashing to rows whose key hash falls below the given
	// percentage. Zero or 100 means every row. Requires KeyColumns.
	SamplePercent int
	KeyColumns    []string
}

func (o ChecksumOptions) Sampled() bool {
	return o.SamplePercent > 0 && o.SamplePercent < 100 && len(o.KeyColumns) > 0
}

type Snapshotter interface {
	CreateSnapshot(ctx context.Context, name string, table TableRef) error
	DropSnapshot(ctx context.Context, name string) error
	SnapshotExists(ctx context.Context, name string) (bool, error)
	// ListSnapshots returns every snapshot whose name starts with prefix.
	ListSnapshots(ctx context.Context, prefix string) ([]SnapshotRef, error)
}

type Cloner interface {
	// CreateEmptyLike creates dst with the structure of src and no rows.
	CreateEmptyLike(ctx context.Context, dst TableRef, src TableRef) error
	// CloneAt creates dst holding the rows of src as of snapshot.
	CloneAt(ctx context.Context, dst TableRef, src TableRef, snapshot string) error
	DropTable(ctx context.Context, table TableRef) error
}

type Differ interface {
	// Diff writes the changes that turn base into target-as-of-snapshot to output and
	// returns the locations of the files written.
	Diff(ctx context.Context, target TableRef, snapshot string, base TableRef, output string) ([]string, error)
}

type Checksummer interface {
	Checksum(ctx context.Context, table TableRef, opts ChecksumOptions) (Checksum, error)
}

type Schema interface {
	ShowCreateTable(ctx context.Context, table TableRef) (string, error)
	PrimaryKey(ctx context.Context, table TableRef) ([]string, error)
	TableExists(ctx context.Context, table TableRef) (bool, error)
}

// Upstream is the source side: everything change capture, archeology and
// verification read from.
type Upstream interface {
	Snapshotter
	Cloner
	Differ
	Checksummer
	Schema
}

// Downstream is the replica side. The core opens its own transactions on DB.
type Downstream interface {
	Checksummer
	Schema
	DB() *sql.DB
	// Dialect is the goqu dialect name for DB.
	Dialect() string
	IsEmpty(ctx context.Context, table TableRef) (bool, error)
	// EnsureTable creates the database and then runs ddl when table does not exist.
	EnsureTable(ctx context.Context, table TableRef, ddl string) error
}

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BulkLoader loads a bootstrap artifact into target inside tx.
type BulkLoader interface {
	Load(ctx context.Context, tx *sql.Tx, location string, target TableRef) (int64, error)
}
