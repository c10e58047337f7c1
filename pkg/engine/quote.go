package engine

import (
	"strings"
)

func QuoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// QuoteString returns s as a single-quoted SQL literal.
func QuoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `''`)
	return "'" + r.Replace(s) + "'"
}

// RewriteCreateTable points a CREATE TABLE statement taken from src at dst.
// Only the first occurrence of the table identifier is replaced, so columns that
// happen to share the table name are left alone.
func RewriteCreateTable(ddl string, src TableRef, dst TableRef) string {
	if src.Table == dst.Table {
		return ddl
	}
	for _, old := range []string{
		QuoteIdent(src.Database) + "." + QuoteIdent(src.Table),
		QuoteIdent(src.Table),
	} {
		if strings.Contains(ddl, old) {
			return strings.Replace(ddl, old, QuoteIdent(dst.Table), 1)
		}
	}
	return ddl
}
