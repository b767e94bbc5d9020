package dump

import (
	"regexp"
	"strings"
)

var copyHeaderPattern = regexp.MustCompile(`^COPY\s+(?:"?public"?\.)?"?([A-Za-z0-9_]+)"?\s*\((.*)\)\s+FROM\s+stdin;\s*$`)

const (
	copyTerminator = `\.`
	copyNull       = `\N`
)

// parseCopyHeader extracts the table name and column list of a COPY line
func parseCopyHeader(line string) (table string, columns []string, ok bool) {
	m := copyHeaderPattern.FindStringSubmatch(line)
	if m == nil {
		return "", nil, false
	}
	for _, col := range strings.Split(m[2], ",") {
		columns = append(columns, strings.Trim(strings.TrimSpace(col), `"`))
	}
	return m[1], columns, true
}

// splitRow splits a COPY text row into decoded fields. NULL fields are nil.
func splitRow(line string) []*string {
	raw := strings.Split(line, "\t")
	out := make([]*string, len(raw))
	for i, f := range raw {
		if f == copyNull {
			continue
		}
		v := unescape(f)
		out[i] = &v
	}
	return out
}

// unescape decodes the backslash escapes of the COPY text format
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			if n, width := hexByte(s[i+1:]); width > 0 {
				b.WriteByte(n)
				i += width
			} else {
				b.WriteByte('x')
			}
		default:
			if s[i] >= '0' && s[i] <= '7' {
				n, width := octalByte(s[i:])
				b.WriteByte(n)
				i += width - 1
			} else {
				// \\ and any other escaped character stand for themselves
				b.WriteByte(s[i])
			}
		}
	}
	return b.String()
}

func hexByte(s string) (byte, int) {
	var n byte
	width := 0
	for width < 2 && width < len(s) {
		c := s[width]
		switch {
		case c >= '0' && c <= '9':
			n = n*16 + c - '0'
		case c >= 'a' && c <= 'f':
			n = n*16 + c - 'a' + 10
		case c >= 'A' && c <= 'F':
			n = n*16 + c - 'A' + 10
		default:
			return n, width
		}
		width++
	}
	return n, width
}

func octalByte(s string) (byte, int) {
	var n byte
	width := 0
	for width < 3 && width < len(s) && s[width] >= '0' && s[width] <= '7' {
		n = n*8 + s[width] - '0'
		width++
	}
	return n, width
}
