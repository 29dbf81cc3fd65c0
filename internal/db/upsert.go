package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Dialect selects the placeholder style of generated SQL.
type Dialect int

const (
	// Postgres uses $1, $2, ...
	Postgres Dialect = iota
	// SQLite uses ?.
	SQLite
)

// UpsertConfig defines a single-row INSERT ... ON CONFLICT DO UPDATE.
type UpsertConfig struct {
	Table        string   // target table (e.g., "scraped_records")
	Columns      []string // all columns being inserted, in argument order
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns overwritten on conflict; nil = all non-conflict columns
	// Preserve lists columns that are inserted but never overwritten on
	// conflict (e.g. first_seen). They are excluded from the nil-UpdateCols
	// default.
	Preserve  []string
	Returning []string
	Dialect   Dialect
}

// UpsertSQL builds the statement for cfg. Identity columns (the conflict
// keys) are never part of the SET clause.
func UpsertSQL(cfg UpsertConfig) (string, error) {
	if cfg.Table == "" {
		return "", eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	skip := make(map[string]bool, len(cfg.ConflictKeys)+len(cfg.Preserve))
	for _, k := range cfg.ConflictKeys {
		skip[k] = true
	}
	for _, k := range cfg.Preserve {
		skip[k] = true
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		for _, c := range cfg.Columns {
			if !skip[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = placeholder(cfg.Dialect, i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)

	var setClauses []string
	for _, col := range updateCols {
		if skip[col] {
			continue
		}
		id := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", id, id))
	}
	if len(setClauses) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(setClauses, ", "))
	}

	if len(cfg.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(quoteAndJoin(cfg.Returning))
	}
	return b.String(), nil
}

// MustUpsertSQL is UpsertSQL for package-level statements built from
// constant configs.
func MustUpsertSQL(cfg UpsertConfig) string {
	q, err := UpsertSQL(cfg)
	if err != nil {
		panic(err)
	}
	return q
}

func placeholder(d Dialect, n int) string {
	if d == SQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// sanitizeTable handles schema-qualified table names like "scraper.records".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
