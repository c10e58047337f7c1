package enginetest

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

// Row is one table row with its column values in table order.
type Row struct {
	Columns []string
	Values  []any
}

func (r Row) text(i int) string {
	return valueText(r.Values[i])
}

// Key is the text of the key columns, or of the whole row when keys is empty.
func (r Row) Key(keys []string) string {
	if len(keys) == 0 {
		return r.Text()
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for i, c := range r.Columns {
			if strings.EqualFold(c, k) {
				parts = append(parts, r.text(i))
			}
		}
	}
	return strings.Join(parts, ",")
}

// Text joins every value with commas, NULL rendered as the word NULL.
func (r Row) Text() string {
	parts := make([]string, len(r.Values))
	for i := range r.Values {
		parts[i] = r.text(i)
	}
	return strings.Join(parts, ",")
}

func valueText(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		return string(x)
	case string:
		return x
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64, float64, bool:
		return valueText(x)
	default:
		return "'" + strings.ReplaceAll(valueText(x), "'", "''") + "'"
	}
}

func csvField(v any) string {
	if v == nil {
		return `\N`
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(valueText(v)) + `"`
}

type rowQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ReadRows returns every row of table ordered by its first column.
func ReadRows(ctx context.Context, db rowQueryer, table engine.TableRef) ([]Row, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+table.Quoted()+" ORDER BY 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var ret []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		ret = append(ret, Row{Columns: cols, Values: vals})
	}
	return ret, rows.Err()
}

// checksumRows mirrors the engine's COUNT + BIT_XOR(CRC32(CONCAT_WS(...))) audit.
func checksumRows(rows []Row, opts engine.ChecksumOptions) engine.Checksum {
	var ret engine.Checksum
	for _, r := range rows {
		if opts.Sampled() {
			if crc32.ChecksumIEEE([]byte(r.Key(opts.KeyColumns)))%100 >= uint32(opts.SamplePercent) {
				continue
			}
		}
		ret.Rows++
		if !opts.CountOnly {
			ret.Hash ^= uint64(crc32.ChecksumIEEE([]byte(r.Text())))
		}
	}
	return ret
}

func indexRows(rows []Row, keys []string) (map[string]Row, []string) {
	m := make(map[string]Row, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		k := r.Key(keys)
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = r
	}
	sort.Strings(order)
	return m, order
}
