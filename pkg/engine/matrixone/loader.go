package matrixone

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

// loadDataSQL reads a bootstrap CSV written by the engine's diff. The field
// options mirror the diff's output format.
func loadDataSQL(location string, target engine.TableRef) string {
	return fmt.Sprintf("LOAD DATA INFILE %s INTO TABLE %s "+
		`FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '"' ESCAPED BY '\\' `+
		`LINES TERMINATED BY '\n' PARALLEL 'TRUE'`,
		engine.QuoteString(location), target.Quoted())
}

// LoadDataLoader bulk loads bootstrap artifacts with LOAD DATA INFILE, letting
// the server read the stage directly.
type LoadDataLoader struct{}

var _ engine.BulkLoader = LoadDataLoader{}

func (LoadDataLoader) Load(ctx context.Context, tx *sql.Tx, location string, target engine.TableRef) (int64, error) {
	ctxzap.Extract(ctx).Debug("loading bootstrap artifact", zap.String("location", location), zap.Stringer("target", target))
	res, err := tx.ExecContext(ctx, loadDataSQL(location, target))
	if err != nil {
		return 0, fmt.Errorf("matrixone: load %s into %s: %w", location, target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // some server versions do not report affected rows for LOAD DATA
	}
	return n, nil
}
