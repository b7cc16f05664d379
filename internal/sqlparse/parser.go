// Package sqlparse is the default query parser of the persistence unit. It
// does not validate SQL; it only learns what the query cache needs: the
// statement kind, the tables involved and whether the text is a named
// parameter template.
package sqlparse

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/VauntDev/tqla"
)

// Kind is the statement kind.
type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "other"
	}
}

// IsWrite reports whether statements of this kind change rows.
func (k Kind) IsWrite() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// ErrEmptyQuery is returned for blank query text.
var ErrEmptyQuery = errors.New("sqlparse: empty query")

type compiler interface {
	Compile(tpl string, data any) (string, []any, error)
}

// Program is a parsed query. It is immutable and shared between contexts.
type Program struct {
	text     string
	kind     Kind
	tables   []string
	template bool
	tq       compiler
}

// Text returns the query text as given.
func (p *Program) Text() string { return p.text }

// Kind returns the statement kind.
func (p *Program) Kind() Kind { return p.kind }

// IsWrite reports whether the statement changes rows.
func (p *Program) IsWrite() bool { return p.kind.IsWrite() }

// Tables returns the tables read or written, lower-cased, in order of
// appearance and without duplicates.
func (p *Program) Tables() []string { return p.tables }

// Template reports whether the text uses {{ .name }} parameters.
func (p *Program) Template() bool { return p.template }

// Compile renders the executable SQL and its arguments. Template programs
// take their values from named; plain programs pass positional through.
func (p *Program) Compile(named map[string]any, positional []any) (string, []any, error) {
	if !p.template {
		return p.text, positional, nil
	}
	if len(positional) > 0 {
		return "", nil, fmt.Errorf("sqlparse: template query takes named parameters only")
	}
	if named == nil {
		named = map[string]any{}
	}
	sql, args, err := p.tq.Compile(p.text, named)
	if err != nil {
		return "", nil, fmt.Errorf("sqlparse: compile template: %w", err)
	}
	return sql, args, nil
}

// Parser builds Programs for one placeholder style.
type Parser struct {
	tq compiler
}

// New returns a parser whose templates render placeholders for driver.
func New(driver string) (*Parser, error) {
	var ph tqla.Placeholder = tqla.Question
	if driver == "postgres" {
		ph = tqla.Dollar
	}
	tq, err := tqla.New(tqla.WithPlaceHolder(ph))
	if err != nil {
		return nil, err
	}
	return &Parser{tq: tq}, nil
}

// Parse inspects text.
func (p *Parser) Parse(text string) (*Program, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, ErrEmptyQuery
	}

	return &Program{
		text:     text,
		kind:     kindOf(tokens),
		tables:   tablesOf(tokens),
		template: strings.Contains(text, "{{"),
		tq:       p.tq,
	}, nil
}

func kindOf(tokens []string) Kind {
	switch strings.ToLower(tokens[0]) {
	case "select", "with", "values":
		for _, t := range tokens {
			switch strings.ToLower(t) {
			case "insert":
				return KindInsert
			case "update":
				return KindUpdate
			case "delete":
				return KindDelete
			}
		}
		return KindSelect
	case "insert", "replace":
		return KindInsert
	case "update":
		return KindUpdate
	case "delete":
		return KindDelete
	}
	return KindOther
}

var clauseEnd = map[string]bool{
	"where": true, "join": true, "inner": true, "left": true, "right": true,
	"full": true, "cross": true, "outer": true, "on": true, "group": true,
	"order": true, "limit": true, "offset": true, "having": true, "union": true,
	"set": true, "values": true, "returning": true, "using": true, "natural": true,
	"for": true, "window": true, "except": true, "intersect": true,
}

func tablesOf(tokens []string) []string {
	var tables []string
	seen := map[string]bool{}
	add := func(name string) {
		name = strings.ToLower(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		tables = append(tables, name)
	}

	for i := 0; i < len(tokens); i++ {
		switch strings.ToLower(tokens[i]) {
		case "into", "update", "join", "table":
			if i+1 < len(tokens) && isIdent(tokens[i+1]) && !clauseEnd[strings.ToLower(tokens[i+1])] {
				add(tokens[i+1])
			}
		case "from":
			j := i + 1
			for j < len(tokens) {
				if !isIdent(tokens[j]) {
					break
				}
				add(tokens[j])
				j++
				// optional alias
				if j < len(tokens) && strings.EqualFold(tokens[j], "as") {
					j++
				}
				if j < len(tokens) && isIdent(tokens[j]) && !clauseEnd[strings.ToLower(tokens[j])] {
					j++
				}
				if j < len(tokens) && tokens[j] == "," {
					j++
					continue
				}
				break
			}
		}
	}
	return tables
}

func isIdent(tok string) bool {
	if tok == "" {
		return false
	}
	r := rune(tok[0])
	return unicode.IsLetter(r) || r == '_'
}

// tokenize splits text into identifiers and single punctuation tokens.
// Quoted identifiers lose their quotes and keep only the last dotted part;
// string literals and template actions are dropped.
func tokenize(text string) []string {
	var tokens []string
	runes := []rune(text)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '{' && i+1 < len(runes) && runes[i+1] == '{':
			end := strings.Index(string(runes[i:]), "}}")
			if end < 0 {
				i = len(runes)
			} else {
				i += len([]rune(string(runes[i:])[:end])) + 2
			}

		case r == '\'':
			i++
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			i++

		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}

		case r == '"' || r == '`' || r == '[' || unicode.IsLetter(r) || r == '_':
			var b strings.Builder
			for i < len(runes) {
				c := runes[i]
				if c == '"' || c == '`' || c == '[' {
					closer := c
					if c == '[' {
						closer = ']'
					}
					i++
					for i < len(runes) && runes[i] != closer {
						b.WriteRune(runes[i])
						i++
					}
					i++
					continue
				}
				if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '$' {
					b.WriteRune(c)
					i++
					continue
				}
				if c == '.' {
					b.Reset()
					i++
					continue
				}
				break
			}
			if b.Len() > 0 {
				tokens = append(tokens, b.String())
			}

		default:
			tokens = append(tokens, string(r))
			i++
		}
	}
	return tokens
}
