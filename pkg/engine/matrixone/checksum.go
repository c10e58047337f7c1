package matrixone

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

func textExpr(name string) string {
	return "IFNULL(CAST(" + engine.QuoteIdent(name) + " AS VARCHAR), 'NULL')"
}

func hashExpr(c column) string {
	if c.isVector() {
		return "IFNULL(HEX(" + engine.QuoteIdent(c.Name) + "), 'NULL')"
	}
	return textExpr(c.Name)
}

// checksumSQL builds the count and row-hash query for table. Each row hashes
// to CRC32 of its comma-joined column text, and rows combine by XOR so order
// does not matter.
func checksumSQL(table engine.TableRef, cols []column, opts engine.ChecksumOptions) string {
	var sb strings.Builder
	sb.WriteString("SELECT COUNT(*), ")
	if opts.CountOnly {
		sb.WriteString("0")
	} else {
		exprs := make([]string, len(cols))
		for i, c := range cols {
			exprs[i] = hashExpr(c)
		}
		sb.WriteString("IFNULL(BIT_XOR(CRC32(CONCAT_WS(',', ")
		sb.WriteString(strings.Join(exprs, ", "))
		sb.WriteString("))), 0)")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(atSnapshot(table, opts.Snapshot))

	if opts.Sampled() {
		keys := make([]string, len(opts.KeyColumns))
		for i, k := range opts.KeyColumns {
			keys[i] = textExpr(k)
		}
		sb.WriteString(" WHERE MOD(CRC32(CONCAT_WS(',', ")
		sb.WriteString(strings.Join(keys, ", "))
		sb.WriteString(")), 100) < ")
		sb.WriteString(strconv.Itoa(opts.SamplePercent))
	}
	return sb.String()
}

func (e *Engine) Checksum(ctx context.Context, table engine.TableRef, opts engine.ChecksumOptions) (engine.Checksum, error) {
	ctx, span := tracer.Start(ctx, "matrixone.Checksum")
	defer span.End()

	var cols []column
	if !opts.CountOnly {
		var err error
		if cols, err = e.columnsOf(ctx, table); err != nil {
			return engine.Checksum{}, err
		}
	}

	query := checksumSQL(table, cols, opts)
	var sum engine.Checksum
	err := e.read(ctx, func(ctx context.Context) error {
		return e.db.QueryRowContext(ctx, query).Scan(&sum.Rows, &sum.Hash)
	})
	if err != nil {
		if opts.Snapshot != "" && isSnapshotMissing(err) {
			return engine.Checksum{}, fmt.Errorf("%w: %s", engine.ErrSnapshotNotFound, opts.Snapshot)
		}
		return engine.Checksum{}, fmt.Errorf("matrixone: checksum %s: %w", table, err)
	}
	return sum, nil
}

// isSnapshotMissing recognises the server's complaint about an unknown
// snapshot. MatrixOne reports it without a dedicated error number.
func isSnapshotMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "snapshot") && (strings.Contains(msg, "not exist") || strings.Contains(msg, "not found"))
}
