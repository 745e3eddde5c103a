package notify

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

func TestPostgresBridge_MarkConsumed(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("RUNHUB_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RUNHUB_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	require.NoError(t, err)
	schema := "runhub_it_" + strings.ToLower(ids.MustULID(time.Now())[16:])

	t.Cleanup(pool.Close)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	require.NoError(t, store.Migrate(ctx, pool, schema))

	table := store.PGIdent(schema, "notifications")
	_, err = pool.Exec(ctx, `INSERT INTO `+table+` (party_id, application_id) VALUES ('club-1','app-1'), ('club-1','app-1'), ('brand-1','app-1'), ('club-1','app-2')`)
	require.NoError(t, err)

	b, err := NewPostgresBridge(pool, schema)
	require.NoError(t, err)
	require.NoError(t, b.MarkConsumed(ctx, "app-1", "club-1"))
	require.NoError(t, b.MarkConsumed(ctx, "app-1", "club-1"))

	var unread int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM `+table+` WHERE NOT read`).Scan(&unread))
	require.Equal(t, 2, unread)
}

func TestNewPostgresBridge_Validates(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresBridge(nil, "")
	require.Error(t, err)

	// pgxpool connects lazily, so no server is needed here.
	pool, err := pgxpool.New(context.Background(), "postgres://runhub@127.0.0.1:1/runhub")
	require.NoError(t, err)
	defer pool.Close()

	_, err = NewPostgresBridge(pool, "bad-schema;")
	require.Error(t, err)
	_, err = NewPostgresBridge(pool, "")
	require.NoError(t, err)
}
