package verify

import (
	"fmt"
	"strings"
)

// Statement is one SQL statement without its terminating semicolon
type Statement struct {
	Line int
	Text string
}

// Keyword returns the first word of the statement, upper cased
func (s Statement) Keyword() string {
	end := strings.IndexAny(s.Text, " \t\n(")
	if end < 0 {
		end = len(s.Text)
	}
	return strings.ToUpper(s.Text[:end])
}

// Comment is a `--` line comment found between statements
type Comment struct {
	Line int
	Text string
}

// Split cuts a SQL script into statements and comments. Semicolons and
// dashes inside single-quoted literals are not separators.
func Split(src string) ([]Statement, []Comment, error) {
	var (
		stmts     []Statement
		comments  []Comment
		cur       strings.Builder
		line      = 1
		startLine int
		inQuote   bool
		quoteLine int
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inQuote {
			cur.WriteByte(c)
			switch c {
			case '\'':
				if i+1 < len(src) && src[i+1] == '\'' {
					cur.WriteByte('\'')
					i++
				} else {
					inQuote = false
				}
			case '\n':
				line++
			}
			continue
		}

		switch {
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			comments = append(comments, Comment{Line: line, Text: src[i : i+end]})
			i += end - 1
			continue
		case c == ';':
			stmts = append(stmts, Statement{Line: startLine, Text: strings.TrimSpace(cur.String())})
			cur.Reset()
			continue
		case c == '\'':
			inQuote = true
			quoteLine = line
		case c == '\n':
			line++
		}

		if cur.Len() == 0 {
			if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
				continue
			}
			startLine = line
		}
		cur.WriteByte(c)
	}

	if inQuote {
		return nil, nil, fmt.Errorf("line %d: unterminated string literal", quoteLine)
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		return nil, nil, fmt.Errorf("line %d: statement not terminated by ';'", startLine)
	}
	return stmts, comments, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'':
			var b strings.Builder
			j := i + 1
			for {
				if j >= len(s) {
					return nil, fmt.Errorf("unterminated string literal")
				}
				if s[j] == '\'' {
					if j+1 < len(s) && s[j+1] == '\'' {
						b.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				b.WriteByte(s[j])
				j++
			}
			out = append(out, token{kind: tokString, text: b.String()})
			i = j + 1
		case isDigit(c) || (c == '-' && i+1 < len(s) && isDigit(s[i+1])):
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			out = append(out, token{kind: tokNumber, text: s[i:j]})
			i = j
		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			out = append(out, token{kind: tokWord, text: s[i:j]})
			i = j
		case strings.IndexByte("(),=*", c) >= 0:
			out = append(out, token{kind: tokPunct, text: string(c)})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return out, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordByte(c byte) bool {
	return c == '_' || c == '.' || isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'z')
}

// Row is one parsed single-row INSERT. A nil value is SQL NULL; booleans
// are "TRUE" or "FALSE".
type Row struct {
	Line   int
	Table  string
	Values map[string]*string
	// Guarded is set when the insert cannot fail or duplicate on re-run
	Guarded bool
}

// Get returns the value of column, "" when NULL or absent
func (r Row) Get(column string) string {
	if v := r.Values[column]; v != nil {
		return *v
	}
	return ""
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, error) {
	t, ok := p.peek()
	if !ok {
		return token{}, fmt.Errorf("unexpected end of statement")
	}
	p.pos++
	return t, nil
}

func (p *parser) keyword(words ...string) error {
	for _, w := range words {
		t, err := p.next()
		if err != nil {
			return fmt.Errorf("expected %s: %w", w, err)
		}
		if t.kind != tokWord || !strings.EqualFold(t.text, w) {
			return fmt.Errorf("expected %s, got %q", w, t.text)
		}
	}
	return nil
}

func (p *parser) punct(s string) error {
	t, err := p.next()
	if err != nil {
		return fmt.Errorf("expected %q: %w", s, err)
	}
	if t.kind != tokPunct || t.text != s {
		return fmt.Errorf("expected %q, got %q", s, t.text)
	}
	return nil
}

// list reads a parenthesized or bare comma separated list
func (p *parser) list(item func() error) error {
	for {
		if err := item(); err != nil {
			return err
		}
		t, ok := p.peek()
		if !ok || t.kind != tokPunct || t.text != "," {
			return nil
		}
		p.pos++
	}
}

func (p *parser) literal() (*string, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tokString, tokNumber:
		v := t.text
		return &v, nil
	case tokWord:
		switch strings.ToUpper(t.text) {
		case "NULL":
			return nil, nil
		case "TRUE", "FALSE":
			v := strings.ToUpper(t.text)
			return &v, nil
		}
	}
	return nil, fmt.Errorf("expected a literal, got %q", t.text)
}

// ParseInsert parses the two insert shapes the emitter produces:
//
//	INSERT INTO t (cols) VALUES (vals) ON CONFLICT DO NOTHING
//	INSERT INTO t (cols) SELECT vals WHERE NOT EXISTS (...)
//
// An insert without either guard parses with Guarded unset.
func ParseInsert(st Statement) (Row, error) {
	toks, err := tokenize(st.Text)
	if err != nil {
		return Row{}, err
	}
	p := &parser{toks: toks}
	row := Row{Line: st.Line, Values: make(map[string]*string)}

	if err := p.keyword("INSERT", "INTO"); err != nil {
		return row, err
	}
	table, err := p.next()
	if err != nil || table.kind != tokWord {
		return row, fmt.Errorf("expected table name")
	}
	row.Table = table.text

	var columns []string
	if err := p.punct("("); err != nil {
		return row, err
	}
	err = p.list(func() error {
		t, err := p.next()
		if err != nil {
			return err
		}
		if t.kind != tokWord {
			return fmt.Errorf("expected column name, got %q", t.text)
		}
		columns = append(columns, t.text)
		return nil
	})
	if err != nil {
		return row, err
	}
	if err := p.punct(")"); err != nil {
		return row, err
	}

	var values []*string
	value := func() error {
		v, err := p.literal()
		values = append(values, v)
		return err
	}

	kw, err := p.next()
	if err != nil {
		return row, err
	}
	switch strings.ToUpper(kw.text) {
	case "VALUES":
		if err := p.punct("("); err != nil {
			return row, err
		}
		if err := p.list(value); err != nil {
			return row, err
		}
		if err := p.punct(")"); err != nil {
			return row, err
		}
		if _, more := p.peek(); more {
			if err := p.keyword("ON", "CONFLICT"); err != nil {
				return row, err
			}
			row.Guarded = true
		}
	case "SELECT":
		if err := p.list(value); err != nil {
			return row, err
		}
		if _, more := p.peek(); more {
			if err := p.keyword("WHERE", "NOT", "EXISTS"); err != nil {
				return row, err
			}
			row.Guarded = true
		}
	default:
		return row, fmt.Errorf("expected VALUES or SELECT, got %q", kw.text)
	}

	if len(values) != len(columns) {
		return row, fmt.Errorf("%d columns but %d values", len(columns), len(values))
	}
	for i, c := range columns {
		row.Values[c] = values[i]
	}
	return row, nil
}
