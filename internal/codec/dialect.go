package codec

import (
	"strconv"
	"strings"
)

// Dialect describes how a destination backend spells bind parameters and
// quoted identifiers. Predicates are always parameterized; the dialect only
// decides the placeholder syntax.
type Dialect struct {
	Name string

	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder func(n int) string

	// QuoteIdent quotes a column or table identifier.
	QuoteIdent func(id string) string

	// PadSpace is set when "=" ignores trailing spaces in strings, as SQL
	// Server does under every collation. String predicates then also compare
	// byte lengths.
	PadSpace bool
}

var (
	// SQLite uses ? placeholders and "double quoted" identifiers.
	SQLite = Dialect{Name: "sqlite", Placeholder: question, QuoteIdent: doubleQuote}

	// Postgres uses $n placeholders and "double quoted" identifiers.
	Postgres = Dialect{Name: "postgres", Placeholder: dollar, QuoteIdent: doubleQuote}

	// MSSQL uses @pn placeholders and [bracketed] identifiers.
	MSSQL = Dialect{Name: "mssql", Placeholder: atP, QuoteIdent: bracket, PadSpace: true}

	// MySQL uses ? placeholders and `backtick` identifiers.
	MySQL = Dialect{Name: "mysql", Placeholder: question, QuoteIdent: backtick}
)

func question(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func atP(n int) string { return "@p" + strconv.Itoa(n) }

func doubleQuote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func bracket(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

func backtick(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

// QuoteTable quotes a possibly schema-qualified table name ("public.leyes").
func (d Dialect) QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}
