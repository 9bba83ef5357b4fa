package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfman30/waha-bridge/internal/events"
)

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is satisfied by *pgxpool.Pool and by pgx.Tx.
type PgxPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists reconciliation state in Postgres.
type Store struct {
	pool PgxPool
}

var _ Repository = (*Store)(nil)

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("messaging: begin tx: %w", err)
	}
	if err := fn(&Store{pool: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("messaging: commit tx: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, aggregate string, evt events.CanonicalEvent) error {
	_, err := events.AppendCanonicalEvent(ctx, s.pool, aggregate, evt)
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("messaging: %s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("messaging: %s: %w", what, err)
}

// Accounts

const accountColumns = `id, session, COALESCE(name, ''), COALESCE(base_url, ''), COALESCE(api_key, ''), status,
	COALESCE(webhook_verify_token, ''), COALESCE(notify_emails, '{}'), COALESCE(phone_uid, ''), created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var status string
	if err := row.Scan(&a.ID, &a.Session, &a.Name, &a.BaseURL, &a.APIKey, &status,
		&a.WebhookVerifyToken, &a.NotifyEmails, &a.PhoneUID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "get account")
	}
	return a, nil
}

func (s *Store) GetAccountBySession(ctx context.Context, session string) (*Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE session = $1`, session)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "get account by session")
	}
	return a, nil
}

func (s *Store) ListAccountsByStatus(ctx context.Context, statuses ...AccountStatus) ([]Account, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE status = ANY($1) ORDER BY session`, values)
	if err != nil {
		return nil, fmt.Errorf("messaging: list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("messaging: scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus, phoneUID string) error {
	query := `
		UPDATE accounts
		SET status = $2, phone_uid = COALESCE(NULLIF($3, ''), phone_uid), updated_at = now()
		WHERE id = $1
	`
	ct, err := s.pool.Exec(ctx, query, id, string(status), phoneUID)
	if err != nil {
		return fmt.Errorf("messaging: update account status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("messaging: update account status: %w", ErrNotFound)
	}
	return nil
}

// Contacts

const contactColumns = `id, account_id, phone, COALESCE(chat_id, ''), COALESCE(display_name, ''), COALESCE(push_name, ''),
	COALESCE(avatar_ref, ''), is_business, COALESCE(business_description, ''), COALESCE(business_category, ''),
	COALESCE(business_website, ''), enriched_at, archived, created_at, updated_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	if err := row.Scan(&c.ID, &c.AccountID, &c.Phone, &c.ChatID, &c.DisplayName, &c.PushName,
		&c.AvatarRef, &c.IsBusiness, &c.BusinessDescription, &c.BusinessCategory,
		&c.BusinessWebsite, &c.EnrichedAt, &c.Archived, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get contact")
	}
	return c, nil
}

func (s *Store) FindContact(ctx context.Context, accountID uuid.UUID, phone string) (*Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE account_id = $1 AND phone = $2`, accountID, phone))
	if err != nil {
		return nil, notFound(err, "find contact")
	}
	return c, nil
}

func (s *Store) InsertContact(ctx context.Context, c *Contact) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `
		INSERT INTO contacts (
			id, account_id, phone, chat_id, display_name, push_name, avatar_ref,
			is_business, business_description, business_category, business_website, enriched_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7, ''),$8,$9,$10,$11,$12)
		ON CONFLICT (account_id, phone) DO NOTHING
		RETURNING created_at
	`
	err := s.pool.QueryRow(ctx, query, c.ID, c.AccountID, c.Phone, c.ChatID, c.DisplayName, c.PushName, c.AvatarRef,
		c.IsBusiness, c.BusinessDescription, c.BusinessCategory, c.BusinessWebsite, c.EnrichedAt).Scan(&c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("messaging: insert contact: %w", err)
	}
	c.UpdatedAt = c.CreatedAt
	return true, nil
}

func (s *Store) UpdateContact(ctx context.Context, c *Contact) error {
	query := `
		UPDATE contacts
		SET chat_id = $2, display_name = $3, push_name = $4, avatar_ref = NULLIF($5, ''),
			is_business = $6, business_description = $7, business_category = $8,
			business_website = $9, enriched_at = $10, archived = $11, updated_at = now()
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, c.ID, c.ChatID, c.DisplayName, c.PushName, c.AvatarRef,
		c.IsBusiness, c.BusinessDescription, c.BusinessCategory, c.BusinessWebsite, c.EnrichedAt, c.Archived)
	if err != nil {
		return fmt.Errorf("messaging: update contact: %w", err)
	}
	return nil
}

// Conversations

const conversationColumns = `id, account_id, chat_id, kind, COALESCE(name, ''), COALESCE(description, ''), contact_id,
	COALESCE(roster, '{}'), COALESCE(thread_members, '{}'), last_activity_at, message_count, unread_count, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var kind string
	if err := row.Scan(&c.ID, &c.AccountID, &c.ChatID, &kind, &c.Name, &c.Description, &c.ContactID,
		&c.Roster, &c.ThreadMembers, &c.LastActivityAt, &c.MessageCount, &c.UnreadCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = ConversationKind(kind)
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get conversation")
	}
	return c, nil
}

func (s *Store) FindConversation(ctx context.Context, accountID uuid.UUID, chatID string) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE account_id = $1 AND chat_id = $2`, accountID, chatID))
	if err != nil {
		return nil, notFound(err, "find conversation")
	}
	return c, nil
}

func (s *Store) InsertConversation(ctx context.Context, c *Conversation) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `
		INSERT INTO conversations (id, account_id, chat_id, kind, name, description, contact_id, roster, thread_members)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (account_id, chat_id) DO NOTHING
		RETURNING created_at
	`
	err := s.pool.QueryRow(ctx, query, c.ID, c.AccountID, c.ChatID, string(c.Kind), c.Name, c.Description,
		c.ContactID, c.Roster, c.ThreadMembers).Scan(&c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("messaging: insert conversation: %w", err)
	}
	c.UpdatedAt = c.CreatedAt
	return true, nil
}

func (s *Store) UpdateConversation(ctx context.Context, c *Conversation) error {
	query := `
		UPDATE conversations
		SET name = $2, description = $3, contact_id = $4, roster = $5, thread_members = $6, updated_at = now()
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, c.ID, c.Name, c.Description, c.ContactID, c.Roster, c.ThreadMembers)
	if err != nil {
		return fmt.Errorf("messaging: update conversation: %w", err)
	}
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE conversations
		SET last_activity_at = $2, message_count = message_count + 1, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("messaging: touch conversation: %w", err)
	}
	return nil
}

func (s *Store) IncrementUnread(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `UPDATE conversations SET unread_count = unread_count + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("messaging: increment unread: %w", err)
	}
	return nil
}

func (s *Store) ResetUnread(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("messaging: reset unread: %w", err)
	}
	return nil
}

// Messages

const messageColumns = `id, account_id, conversation_id, COALESCE(contact_id, '00000000-0000-0000-0000-000000000000'::uuid), direction, content_kind, state,
	COALESCE(failure_type, ''), COALESCE(failure_reason, ''), COALESCE(body, ''), COALESCE(external_id, ''),
	reply_to_id, external_timestamp, raw_payload, thread_entry_id, sent_at, delivered_at, read_at, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var direction, kind, state, failure string
	var raw []byte
	if err := row.Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.ContactID, &direction, &kind, &state,
		&failure, &m.FailureReason, &m.Body, &m.ExternalID,
		&m.ReplyToID, &m.ExternalTimestamp, &raw, &m.ThreadEntryID, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.Kind = ContentKind(kind)
	m.State = MessageState(state)
	m.FailureType = FailureType(failure)
	if len(raw) > 0 {
		m.RawPayload = append([]byte(nil), raw...)
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get message")
	}
	return m, nil
}

func (s *Store) FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, notFound(err, "find message by external id")
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var raw []byte
	if len(m.RawPayload) > 0 {
		raw = m.RawPayload
	}
	query := `
		INSERT INTO messages (
			id, account_id, conversation_id, contact_id, direction, content_kind, state,
			failure_type, failure_reason, body, external_id, reply_to_id, external_timestamp,
			raw_payload, thread_entry_id, sent_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8, ''),NULLIF($9, ''),$10,NULLIF($11, ''),$12,$13,$14,$15,$16)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`
	err := s.pool.QueryRow(ctx, query, m.ID, m.AccountID, m.ConversationID, nullableUUID(m.ContactID), string(m.Direction),
		string(m.Kind), string(m.State), string(m.FailureType), m.FailureReason, m.Body, m.ExternalID,
		m.ReplyToID, m.ExternalTimestamp, raw, m.ThreadEntryID, m.SentAt).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if isForeignKeyViolation(err, "messages_thread_entry_id_fkey") {
		return false, fmt.Errorf("messaging: insert message %s: %w", m.ID, ErrDanglingThreadEntry)
	}
	if err != nil {
		return false, fmt.Errorf("messaging: insert message: %w", err)
	}
	m.UpdatedAt = m.CreatedAt
	return true, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *Message) error {
	query := `
		UPDATE messages
		SET state = $2, failure_type = NULLIF($3, ''), failure_reason = NULLIF($4, ''),
			external_id = COALESCE(NULLIF($5, ''), external_id), thread_entry_id = $6,
			sent_at = $7, delivered_at = $8, read_at = $9, updated_at = now()
		WHERE id = $1
	`
	ct, err := s.pool.Exec(ctx, query, m.ID, string(m.State), string(m.FailureType), m.FailureReason,
		m.ExternalID, m.ThreadEntryID, m.SentAt, m.DeliveredAt, m.ReadAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("messaging: update message %s: %w", m.ID, ErrDuplicateExternalID)
	}
	if isForeignKeyViolation(err, "messages_thread_entry_id_fkey") {
		return fmt.Errorf("messaging: update message %s: %w", m.ID, ErrDanglingThreadEntry)
	}
	if err != nil {
		return fmt.Errorf("messaging: update message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("messaging: update message: %w", ErrNotFound)
	}
	return nil
}

// Thread entries

func (s *Store) InsertThreadEntry(ctx context.Context, e *ThreadEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	query := `
		INSERT INTO thread_entries (id, conversation_id, message_id, author_ref, body, posted_at, suppress_auto_send)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`
	if err := s.pool.QueryRow(ctx, query, e.ID, e.ConversationID, e.MessageID, e.AuthorRef, e.Body, e.PostedAt, e.SuppressAutoSend).Scan(&e.CreatedAt); err != nil {
		return fmt.Errorf("messaging: insert thread entry: %w", err)
	}
	for i := range e.Attachments {
		if err := s.AddAttachment(ctx, e.ID, e.Attachments[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteThreadEntry(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM thread_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("messaging: delete thread entry: %w", err)
	}
	return nil
}

func (s *Store) AddAttachment(ctx context.Context, entryID uuid.UUID, a Attachment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `
		INSERT INTO thread_attachments (id, entry_id, blob_ref, mimetype, filename, size_bytes)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.pool.Exec(ctx, query, a.ID, entryID, a.BlobRef, a.Mimetype, a.Filename, a.Size); err != nil {
		return fmt.Errorf("messaging: add attachment: %w", err)
	}
	return nil
}

// ListThreadEntries returns the newest entries first.
func (s *Store) ListThreadEntries(ctx context.Context, conversationID uuid.UUID, limit int) ([]ThreadEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT e.id, e.conversation_id, e.message_id, e.author_ref, e.body, e.posted_at, e.suppress_auto_send, e.created_at,
			a.id, a.blob_ref, a.mimetype, a.filename, a.size_bytes
		FROM (
			SELECT * FROM thread_entries
			WHERE conversation_id = $1
			ORDER BY posted_at DESC
			LIMIT $2
		) e
		LEFT JOIN thread_attachments a ON a.entry_id = e.id
		ORDER BY e.posted_at DESC, a.created_at
	`
	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: list thread entries: %w", err)
	}
	defer rows.Close()

	var out []ThreadEntry
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var e ThreadEntry
		var attID *uuid.UUID
		var blobRef, mimetype, filename *string
		var size *int64
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageID, &e.AuthorRef, &e.Body, &e.PostedAt, &e.SuppressAutoSend, &e.CreatedAt,
			&attID, &blobRef, &mimetype, &filename, &size); err != nil {
			return nil, fmt.Errorf("messaging: scan thread entry: %w", err)
		}
		pos, seen := index[e.ID]
		if !seen {
			out = append(out, e)
			pos = len(out) - 1
			index[e.ID] = pos
		}
		if attID != nil {
			out[pos].Attachments = append(out[pos].Attachments, Attachment{
				ID:       *attID,
				BlobRef:  deref(blobRef),
				Mimetype: deref(mimetype),
				Filename: deref(filename),
				Size:     derefInt(size),
			})
		}
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == constraint
}

// nullableUUID stores uuid.Nil as NULL.
func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
