package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
)

// Integration tests are enabled when RUNHUB_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_PersistFetchMarkRead(t *testing.T) {
	t.Parallel()

	st := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustSeed(t, st)

	first, err := st.PersistMessage(ctx, PersistInput{
		ConversationID: "conv-1", SenderID: "brand-1", SenderRole: chat.RoleBrand,
		Content: "hello", ClientMsgID: "tmp-1",
	})
	require.NoError(t, err)

	dup, err := st.PersistMessage(ctx, PersistInput{
		ConversationID: "conv-1", SenderID: "brand-1", SenderRole: chat.RoleBrand,
		Content: "hello", ClientMsgID: "tmp-1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, dup.ID)

	second, err := st.PersistMessage(ctx, PersistInput{
		ConversationID: "conv-1", SenderID: "club-1", SenderRole: chat.RoleClub, Content: "hi",
	})
	require.NoError(t, err)
	require.True(t, second.CreatedAt.After(first.CreatedAt))

	msgs, err := st.FetchMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, []string{first.ID, second.ID}, []string{msgs[0].ID, msgs[1].ID})
	require.Equal(t, "tmp-1", msgs[0].ClientMsgID)

	list, err := st.ListConversations(ctx, chat.Viewer{ID: "club-1", Role: chat.RoleClub})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0].UnreadCount)
	require.Equal(t, "Acme Drinks", list[0].Brand.Name)
	require.True(t, list[0].UpdatedAt.Equal(second.CreatedAt))

	for i := 0; i < 2; i++ {
		ok, err := st.MarkRead(ctx, "conv-1", "club-1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	list, err = st.ListConversations(ctx, chat.Viewer{ID: "club-1", Role: chat.RoleClub})
	require.NoError(t, err)
	require.Zero(t, list[0].UnreadCount)

	_, err = st.FetchConversation(ctx, "missing")
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestPostgresStore_ConcurrentPersist_StrictTimestamps(t *testing.T) {
	t.Parallel()

	st := mustNewIntegrationStore(t)

	mustSeed(t, st)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.PersistMessage(ctx, PersistInput{
				ConversationID: "conv-1", SenderID: "club-1", SenderRole: chat.RoleClub, Content: "burst",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := st.FetchMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "index %d", i)
	}
}

func mustSeed(t *testing.T, st *PostgresStore) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, st.PutProfile(ctx, "club-1", chat.RoleClub, chat.Profile{Name: "FC Rovers"}))
	require.NoError(t, st.PutProfile(ctx, "brand-1", chat.RoleBrand, chat.Profile{Name: "Acme Drinks"}))
	require.NoError(t, st.PutConversation(ctx, chat.Conversation{
		ID: "conv-1", ClubID: "club-1", BrandID: "brand-1", ApplicationID: "app-1",
	}))
}

func mustNewIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	schema := "runhub_it_" + strings.ToLower(ids.MustULID(time.Now())[16:])

	// Cleanups run LIFO: drop the schema before closing the pool.
	t.Cleanup(pool.Close)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RUNHUB_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RUNHUB_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
