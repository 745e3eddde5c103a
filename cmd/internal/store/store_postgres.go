package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
)

// PostgresStore is a Gateway backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Per-conversation transactional advisory locks serialize writes, so creation
//     timestamps are strictly increasing within a conversation.
//   - Changes are published after commit; a failed commit never reaches subscribers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	pub    Publisher
	log    *slog.Logger
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "runhub").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !IsValidIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPublisher forwards committed changes to pub.
func WithPublisher(pub Publisher) PostgresOption {
	return func(s *PostgresStore) error {
		s.pub = pub
		return nil
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log == nil {
			return errors.New("store: nil logger")
		}
		s.log = log
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Gateway.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
		log:    nopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

var (
	_ Gateway = (*PostgresStore)(nil)
	_ Seeder  = (*PostgresStore)(nil)
)

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, COALESCE(client_msg_id, ''), conversation_id, sender_id, sender_role, content, read, created_at`

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		m    chat.Message
		role string
	)
	err := row.Scan(&m.ID, &m.ClientMsgID, &m.ConversationID, &m.SenderID, &role, &m.Content, &m.Read, &m.CreatedAt)
	m.SenderRole = chat.Role(role)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

// FetchMessages returns the conversation's messages ordered by created_at ASC.
func (s *PostgresStore) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	const op = "fetch_messages"
	if s == nil || s.pool == nil {
		return nil, chat.NewStoreError(op, errors.New("nil store"))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+PGIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, chat.NewStoreError(op, err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, chat.NewStoreError(op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.NewStoreError(op, err)
	}
	return msgs, nil
}

// PersistMessage inserts a message and bumps the conversation's updated_at in one transaction.
func (s *PostgresStore) PersistMessage(ctx context.Context, in PersistInput) (chat.Message, error) {
	const op = "persist_message"
	if s == nil || s.pool == nil {
		return chat.Message{}, chat.NewStoreError(op, errors.New("nil store"))
	}
	if in.ConversationID == "" || in.SenderID == "" || !in.SenderRole.Valid() {
		return chat.Message{}, chat.NewStoreError(op, errors.New("invalid input"))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return chat.Message{}, chat.NewStoreError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := PGIdent(s.schema, "conversations")
	messages := PGIdent(s.schema, "messages")

	// Serialize all writes per conversation to guarantee strictly increasing timestamps.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return chat.Message{}, chat.NewStoreError(op, fmt.Errorf("advisory lock: %w", err))
	}

	conv, err := readConversation(ctx, tx, conversations, in.ConversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, chat.NewStoreError(op, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, chat.NewStoreError(op, err)
	}
	if conv.PartyID(in.SenderRole) != in.SenderID {
		return chat.Message{}, chat.NewStoreError(op, errors.New("sender is not a party"))
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+` WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return chat.Message{}, chat.NewStoreError(op, err)
			}
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, chat.NewStoreError(op, err)
		}
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+messages+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&last); err != nil {
		return chat.Message{}, chat.NewStoreError(op, err)
	}
	var lastTS time.Time
	if last != nil {
		lastTS = last.UTC()
	}
	ts := nextTimestamp(s.now(), lastTS)

	id, err := ids.NewULID(ts)
	if err != nil {
		return chat.Message{}, chat.NewStoreError(op, fmt.Errorf("allocate id: %w", err))
	}

	var clientMsgID *string
	if in.ClientMsgID != "" {
		clientMsgID = &in.ClientMsgID
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, client_msg_id, sender_id, sender_role, content, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		id, in.ConversationID, clientMsgID, in.SenderID, string(in.SenderRole), in.Content, ts,
	); err != nil {
		return chat.Message{}, chat.NewStoreError(op, fmt.Errorf("insert message: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET updated_at = $2 WHERE id = $1`,
		in.ConversationID, ts,
	); err != nil {
		return chat.Message{}, chat.NewStoreError(op, fmt.Errorf("bump updated_at: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, chat.NewStoreError(op, err)
	}

	out := chat.Message{
		ID:             id,
		ClientMsgID:    in.ClientMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     in.SenderRole,
		Content:        in.Content,
		CreatedAt:      ts,
	}
	conv.UpdatedAt = ts
	publishMessageInserted(ctx, s.pub, s.log, conv, out)
	return out, nil
}

// MarkRead flags every unread message not sent by viewerID as read.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, viewerID string) (bool, error) {
	const op = "mark_read"
	if s == nil || s.pool == nil {
		return false, chat.NewStoreError(op, errors.New("nil store"))
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+PGIdent(s.schema, "messages")+`
		    SET read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read`,
		conversationID, viewerID,
	)
	if err != nil {
		return false, chat.NewStoreError(op, err)
	}
	if ct.RowsAffected() == 0 {
		return true, nil
	}

	conv, err := readConversation(ctx, s.pool, PGIdent(s.schema, "conversations"), conversationID)
	if err != nil {
		// The update committed; only the notification is lost.
		s.log.Warn("store.mark_read.reload.fail", "conversation_id", conversationID, "err", err)
		return true, nil
	}
	publishConversationUpdated(ctx, s.pub, s.log, conv)
	return true, nil
}

// FetchConversation returns conversation metadata with both profiles attached.
func (s *PostgresStore) FetchConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	const op = "fetch_conversation"
	if s == nil || s.pool == nil {
		return chat.Conversation{}, chat.NewStoreError(op, errors.New("nil store"))
	}

	row := s.pool.QueryRow(ctx, s.conversationSelect("")+` WHERE c.id = $1`, conversationID)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, chat.NewStoreError(op, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, chat.NewStoreError(op, err)
	}
	return c, nil
}

// ListConversations returns the viewer's conversations with unread counts, most recent first.
func (s *PostgresStore) ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error) {
	const op = "list_conversations"
	if s == nil || s.pool == nil {
		return nil, chat.NewStoreError(op, errors.New("nil store"))
	}
	if !viewer.Role.Valid() {
		return nil, chat.NewStoreError(op, errors.New("invalid viewer role"))
	}

	partyCol := "c.club_id"
	if viewer.Role == chat.RoleBrand {
		partyCol = "c.brand_id"
	}

	rows, err := s.pool.Query(ctx,
		s.conversationSelect("$1")+`
		  WHERE `+partyCol+` = $1
		  ORDER BY c.updated_at DESC, c.id ASC`,
		viewer.ID,
	)
	if err != nil {
		return nil, chat.NewStoreError(op, err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, chat.NewStoreError(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.NewStoreError(op, err)
	}
	return out, nil
}

// IsParticipant checks whether partyID is one of the conversation's parties.
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, partyID string) (bool, error) {
	const op = "is_participant"
	if s == nil || s.pool == nil {
		return false, chat.NewStoreError(op, errors.New("nil store"))
	}
	partyID = strings.TrimSpace(partyID)
	conversationID = strings.TrimSpace(conversationID)
	if partyID == "" || conversationID == "" {
		return false, nil
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+PGIdent(s.schema, "conversations")+` WHERE id = $1 AND (club_id = $2 OR brand_id = $2)`,
		conversationID, partyID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, chat.NewStoreError(op, err)
	}
	return true, nil
}

// PutProfile upserts the display profile of a party.
func (s *PostgresStore) PutProfile(ctx context.Context, partyID string, role chat.Role, p chat.Profile) error {
	if strings.TrimSpace(partyID) == "" || !role.Valid() {
		return chat.NewStoreError("put_profile", errors.New("invalid profile"))
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+PGIdent(s.schema, "profiles")+` (party_id, role, name, avatar_url)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (party_id) DO UPDATE SET name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url`,
		partyID, string(role), p.Name, p.AvatarURL,
	)
	return chat.NewStoreError("put_profile", err)
}

// PutConversation creates a conversation. Creating an existing id is a no-op.
func (s *PostgresStore) PutConversation(ctx context.Context, c chat.Conversation) error {
	if c.ID == "" || c.ClubID == "" || c.BrandID == "" || c.ApplicationID == "" {
		return chat.NewStoreError("put_conversation", errors.New("invalid conversation"))
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+PGIdent(s.schema, "conversations")+`
		     (id, club_id, brand_id, application_id, opportunity_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.ClubID, c.BrandID, c.ApplicationID, c.OpportunityID, c.CreatedAt, c.UpdatedAt,
	)
	return chat.NewStoreError("put_conversation", err)
}

// conversationSelect builds the enriched conversation projection.
// unreadFor is a placeholder for the viewer id, or "" for no unread count.
func (s *PostgresStore) conversationSelect(unreadFor string) string {
	unread := `0`
	if unreadFor != "" {
		unread = `(SELECT count(*) FROM ` + PGIdent(s.schema, "messages") + ` m
		            WHERE m.conversation_id = c.id AND m.sender_id <> ` + unreadFor + ` AND NOT m.read)`
	}
	profiles := PGIdent(s.schema, "profiles")
	return `SELECT c.id, c.club_id, c.brand_id, c.application_id, c.opportunity_id, c.created_at, c.updated_at,
	               COALESCE(pc.name, ''), COALESCE(pc.avatar_url, ''),
	               COALESCE(pb.name, ''), COALESCE(pb.avatar_url, ''),
	               ` + unread + `
	          FROM ` + PGIdent(s.schema, "conversations") + ` c
	          LEFT JOIN ` + profiles + ` pc ON pc.party_id = c.club_id
	          LEFT JOIN ` + profiles + ` pb ON pb.party_id = c.brand_id`
}

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var (
		c      chat.Conversation
		unread int64
	)
	err := row.Scan(
		&c.ID, &c.ClubID, &c.BrandID, &c.ApplicationID, &c.OpportunityID, &c.CreatedAt, &c.UpdatedAt,
		&c.Club.Name, &c.Club.AvatarURL,
		&c.Brand.Name, &c.Brand.AvatarURL,
		&unread,
	)
	c.UnreadCount = int(unread)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readConversation(ctx context.Context, q queryRower, table, conversationID string) (chat.Conversation, error) {
	var c chat.Conversation
	err := q.QueryRow(ctx,
		`SELECT id, club_id, brand_id, application_id, opportunity_id, created_at, updated_at
		   FROM `+table+` WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.ClubID, &c.BrandID, &c.ApplicationID, &c.OpportunityID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
