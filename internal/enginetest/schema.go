package enginetest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

type sqliteSchema struct {
	db *sql.DB
}

func (s sqliteSchema) ShowCreateTable(ctx context.Context, table engine.TableRef) (string, error) {
	var ddl string
	err := s.db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table.Table,
	).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", engine.ErrTableNotFound, table)
	}
	return ddl, err
}

func (s sqliteSchema) PrimaryKey(ctx context.Context, table engine.TableRef) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table.Table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s sqliteSchema) TableExists(ctx context.Context, table engine.TableRef) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table.Table,
	).Scan(&n)
	return n > 0, err
}
