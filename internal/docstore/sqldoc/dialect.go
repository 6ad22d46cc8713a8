package sqldoc

import (
	"fmt"
	"regexp"
)

// Dialect captures the SQL differences between the supported drivers.
type Dialect struct {
	Name   string
	Driver string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// FieldText renders an expression yielding a top-level JSON field as text.
	FieldText func(field string) string
	Schema    []string
}

var Postgres = Dialect{
	Name:        "postgres",
	Driver:      "pgx",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	FieldText:   func(field string) string { return fmt.Sprintf("(data::jsonb)->>'%s'", field) },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS documents (
			path        TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			doc_id      TEXT NOT NULL,
			data        TEXT NOT NULL,
			update_time BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection)`,
	},
}

var SQLite = Dialect{
	Name:        "sqlite",
	Driver:      "sqlite",
	Placeholder: func(int) string { return "?" },
	FieldText:   func(field string) string { return fmt.Sprintf("json_extract(data, '$.%s')", field) },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS documents (
			path        TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			doc_id      TEXT NOT NULL,
			data        TEXT NOT NULL,
			update_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection)`,
	},
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validField(f string) bool { return fieldName.MatchString(f) }
