package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

// PostgresBridge marks rows of the notifications table read.
// It does NOT own the pool.
type PostgresBridge struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresBridge constructs a PostgresBridge on schema (default store.DefaultSchema).
func NewPostgresBridge(pool *pgxpool.Pool, schema string) (*PostgresBridge, error) {
	if pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = store.DefaultSchema
	}
	if !store.IsValidIdent(schema) {
		return nil, errors.New("notify: invalid schema identifier")
	}
	return &PostgresBridge{pool: pool, schema: schema}, nil
}

func (b *PostgresBridge) MarkConsumed(ctx context.Context, applicationID, partyID string) error {
	if err := validate(applicationID, partyID); err != nil {
		return err
	}

	table := store.PGIdent(b.schema, "notifications")
	_, err := b.pool.Exec(ctx,
		`UPDATE `+table+` SET read = true WHERE party_id = $1 AND application_id = $2 AND NOT read`,
		partyID, applicationID,
	)
	if err != nil {
		return fmt.Errorf("notify: mark consumed: %w", err)
	}
	return nil
}

var _ Bridge = (*PostgresBridge)(nil)
