package apply

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

var ErrUnsupportedStatement = errors.New("apply: unsupported patch statement")

type stmtKind uint8

const (
	kindOther stmtKind = iota
	kindTxControl
	kindRemove
	kindReplace
)

// SplitStatements splits a SQL script on semicolons that are outside quoted
// strings, quoted identifiers and comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	rs := []rune(script)
	for i := 0; i < len(rs); i++ {
		c := rs[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := scanQuoted(rs, i)
			cur.WriteString(string(rs[i:end]))
			i = end - 1
		case c == '-' && i+1 < len(rs) && rs[i+1] == '-', c == '#':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i+1 < len(rs) && (rs[i] != '*' || rs[i+1] != '/') {
				i++
			}
			i++
			cur.WriteByte(' ')
		case c == ';':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return stmts
}

// scanQuoted returns the index just past the quoted run starting at start.
// Backslash escapes apply inside string literals, doubled quotes in all three.
func scanQuoted(rs []rune, start int) int {
	q := rs[start]
	for i := start + 1; i < len(rs); i++ {
		switch rs[i] {
		case '\\':
			if q != '`' {
				i++
			}
		case q:
			if i+1 < len(rs) && rs[i+1] == q {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(rs)
}

func leadingWords(stmt string, n int) []string {
	fields := strings.FieldsFunc(stmt, func(r rune) bool {
		return unicode.IsSpace(r) || r == '(' || r == '`'
	})
	if len(fields) > n {
		fields = fields[:n]
	}
	for i := range fields {
		fields[i] = strings.ToUpper(fields[i])
	}
	return fields
}

func classify(stmt string) stmtKind {
	w := leadingWords(stmt, 2)
	if len(w) == 0 {
		return kindOther
	}
	switch w[0] {
	case "BEGIN", "COMMIT", "ROLLBACK":
		return kindTxControl
	case "START":
		if len(w) > 1 && w[1] == "TRANSACTION" {
			return kindTxControl
		}
	case "DELETE":
		return kindRemove
	case "REPLACE", "INSERT":
		return kindReplace
	}
	return kindOther
}

// RewriteTarget points a DELETE FROM, REPLACE INTO or INSERT INTO statement
// written against source at target. Statements naming any other table are rejected.
func RewriteTarget(stmt string, source engine.TableRef, target engine.TableRef) (string, error) {
	rs := []rune(stmt)
	pos, ok := skipKeywords(rs, 0)
	if !ok {
		return "", fmt.Errorf("%w: %.80s", ErrUnsupportedStatement, stmt)
	}
	for pos < len(rs) && unicode.IsSpace(rs[pos]) {
		pos++
	}

	start := pos
	var parts []string
	for {
		part, next, ok := readIdent(rs, pos)
		if !ok {
			return "", fmt.Errorf("%w: missing table name: %.80s", ErrUnsupportedStatement, stmt)
		}
		parts = append(parts, part)
		pos = next
		if pos < len(rs) && rs[pos] == '.' {
			pos++
			continue
		}
		break
	}

	table := parts[len(parts)-1]
	if !strings.EqualFold(table, source.Table) {
		return "", fmt.Errorf("%w: statement targets %s, expected %s", ErrUnsupportedStatement, strings.Join(parts, "."), source.Table)
	}
	if len(parts) == 2 && !strings.EqualFold(parts[0], source.Database) {
		return "", fmt.Errorf("%w: statement targets %s, expected %s", ErrUnsupportedStatement, strings.Join(parts, "."), source)
	}
	return string(rs[:start]) + target.Quoted() + string(rs[pos:]), nil
}

// skipKeywords moves past DELETE FROM, REPLACE INTO, INSERT [IGNORE] INTO.
func skipKeywords(rs []rune, pos int) (int, bool) {
	word := func() string {
		for pos < len(rs) && unicode.IsSpace(rs[pos]) {
			pos++
		}
		start := pos
		for pos < len(rs) && (unicode.IsLetter(rs[pos]) || rs[pos] == '_') {
			pos++
		}
		return strings.ToUpper(string(rs[start:pos]))
	}

	switch word() {
	case "DELETE":
		if word() != "FROM" {
			return 0, false
		}
	case "REPLACE":
		if word() != "INTO" {
			return 0, false
		}
	case "INSERT":
		w := word()
		if w == "IGNORE" {
			w = word()
		}
		if w != "INTO" {
			return 0, false
		}
	default:
		return 0, false
	}
	return pos, true
}

func readIdent(rs []rune, pos int) (string, int, bool) {
	if pos >= len(rs) {
		return "", pos, false
	}
	if rs[pos] == '`' {
		end := scanQuoted(rs, pos)
		if end <= pos+1 || rs[end-1] != '`' {
			return "", pos, false
		}
		return strings.ReplaceAll(string(rs[pos+1:end-1]), "``", "`"), end, true
	}
	start := pos
	for pos < len(rs) && (unicode.IsLetter(rs[pos]) || unicode.IsDigit(rs[pos]) || rs[pos] == '_' || rs[pos] == '$') {
		pos++
	}
	if pos == start {
		return "", pos, false
	}
	return string(rs[start:pos]), pos, true
}

// preparePatch drops transaction control, rewrites table names and orders
// removals ahead of replacements, keeping file order within each group.
func preparePatch(script string, source engine.TableRef, target engine.TableRef) ([]string, error) {
	var removals, replacements []string
	for _, stmt := range SplitStatements(script) {
		switch classify(stmt) {
		case kindTxControl:
			continue
		case kindRemove:
			s, err := RewriteTarget(stmt, source, target)
			if err != nil {
				return nil, err
			}
			removals = append(removals, s)
		case kindReplace:
			s, err := RewriteTarget(stmt, source, target)
			if err != nil {
				return nil, err
			}
			replacements = append(replacements, s)
		default:
			return nil, fmt.Errorf("%w: %.80s", ErrUnsupportedStatement, stmt)
		}
	}
	return append(removals, replacements...), nil
}
