package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "runhub"

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("store: nil pool")
	}
	ddl, err := SchemaDDL(schema)
	if err != nil {
		return err
	}
	// No arguments: pgx uses the simple protocol, which accepts multiple statements.
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// SchemaDDL renders the schema DDL for schema.
func SchemaDDL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}
	if !IsValidIdent(schema) {
		return "", errors.New("store: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidIdent reports whether s is a plain Postgres identifier.
func IsValidIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// PGIdent returns a safely quoted schema-qualified table name.
func PGIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
