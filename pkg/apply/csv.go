package apply

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrMalformedCSV = errors.New("apply: malformed bootstrap csv")

// csvReader decodes the bootstrap artifact format: fields terminated by ',',
// optionally enclosed by '"', escaped by '\', lines terminated by '\n'. An
// unenclosed \N is NULL.
type csvReader struct {
	r    *bufio.Reader
	line int
}

func newCSVReader(r io.Reader) *csvReader {
	return &csvReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func unescape(c rune) rune {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case 'Z':
		return 0x1a
	case 'b':
		return '\b'
	default:
		return c
	}
}

// Next returns the next record, or io.EOF when the input is exhausted.
func (c *csvReader) Next() ([]any, error) {
	var (
		record   []any
		field    strings.Builder
		quoted   bool
		inQuotes bool
		escaped  bool
		started  bool
		isNull   bool
	)
	c.line++

	endField := func() {
		switch {
		case isNull && !quoted && field.Len() == 0:
			record = append(record, nil)
		default:
			record = append(record, field.String())
		}
		field.Reset()
		quoted, escaped, isNull = false, false, false
	}
	blank := func() bool {
		return len(record) == 0 && field.Len() == 0 && !quoted && !isNull && !escaped
	}

	for {
		r, _, err := c.r.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if inQuotes {
				return nil, fmt.Errorf("%w: line %d: unterminated quoted field", ErrMalformedCSV, c.line)
			}
			if !started || blank() {
				return nil, io.EOF
			}
			endField()
			return record, nil
		}
		started = true

		if inQuotes {
			switch {
			case escaped:
				field.WriteRune(unescape(r))
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				next, _, err := c.r.ReadRune()
				if err == nil && next == '"' {
					field.WriteRune('"')
					continue
				}
				if err == nil {
					_ = c.r.UnreadRune()
				}
				inQuotes = false
			default:
				field.WriteRune(r)
			}
			continue
		}

		if escaped {
			if r == 'N' && field.Len() == 0 {
				isNull = true
			} else {
				field.WriteRune(unescape(r))
			}
			escaped = false
			continue
		}

		switch r {
		case '\\':
			escaped = true
		case '"':
			if field.Len() != 0 || quoted {
				return nil, fmt.Errorf("%w: line %d: quote inside unquoted field", ErrMalformedCSV, c.line)
			}
			quoted = true
			inQuotes = true
		case ',':
			endField()
		case '\r':
			// Tolerate CRLF line endings.
		case '\n':
			if blank() {
				c.line++
				continue
			}
			endField()
			return record, nil
		default:
			if isNull {
				isNull = false
				field.WriteRune('N')
			}
			field.WriteRune(r)
		}
	}
}
