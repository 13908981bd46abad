package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/errkind"
	"github.com/brandon/mailmirror/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides the transactional operations of the local replica. Every
// call acquires a handle from the pool for its own duration; no handle is
// ever held across a remote network call.
type Store struct {
	pool   *Pool
	logger *logrus.Logger
	fts    ftsState
}

// NewStore creates a new store instance backed by the given pool.
func NewStore(pool *Pool, logger *logrus.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger,
	}
}

type accountRow struct {
	ID            int64          `db:"id"`
	Name          string         `db:"name"`
	Address       string         `db:"address"`
	Provider      string         `db:"provider"`
	LastSyncAt    sql.NullString `db:"last_sync_at"`
	TotalMessages int            `db:"total_messages"`
	SyncStatus    string         `db:"sync_status"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r *accountRow) toAccount() (types.Account, error) {
	acc := types.Account{
		ID:            r.ID,
		Name:          r.Name,
		Address:       r.Address,
		Provider:      r.Provider,
		TotalMessages: r.TotalMessages,
		SyncStatus:    types.SyncStatus(r.SyncStatus),
	}
	var err error
	if acc.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return acc, err
	}
	if acc.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return acc, err
	}
	if r.LastSyncAt.Valid {
		t, err := parseTime(r.LastSyncAt.String)
		if err != nil {
			return acc, err
		}
		acc.LastSyncAt = &t
	}
	return acc, nil
}

type folderRow struct {
	ID           int64          `db:"id"`
	AccountID    int64          `db:"account_id"`
	Name         string         `db:"name"`
	DisplayName  string         `db:"display_name"`
	MessageCount int            `db:"message_count"`
	UnreadCount  int            `db:"unread_count"`
	LastUID      int64          `db:"last_uid"`
	LastSyncedAt sql.NullString `db:"last_synced_at"`
}

func (r *folderRow) toFolder() (types.Folder, error) {
	f := types.Folder{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Name:         r.Name,
		DisplayName:  r.DisplayName,
		MessageCount: r.MessageCount,
		UnreadCount:  r.UnreadCount,
		LastUID:      uint32(r.LastUID),
	}
	if r.LastSyncedAt.Valid {
		t, err := parseTime(r.LastSyncedAt.String)
		if err != nil {
			return f, err
		}
		f.LastSyncedAt = &t
	}
	return f, nil
}

type messageRow struct {
	ID             int64          `db:"id"`
	AccountID      int64          `db:"account_id"`
	FolderID       int64          `db:"folder_id"`
	UID            int64          `db:"uid"`
	MessageID      string         `db:"message_id"`
	Subject        string         `db:"subject"`
	SenderName     string         `db:"sender_name"`
	SenderEmail    string         `db:"sender_email"`
	Recipients     string         `db:"recipients"`
	Date           string         `db:"date"`
	Size           int64          `db:"size"`
	IsRead         bool           `db:"is_read"`
	IsFlagged      bool           `db:"is_flagged"`
	IsDeleted      bool           `db:"is_deleted"`
	HasAttachments bool           `db:"has_attachments"`
	ContentHash    string         `db:"content_hash"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	LastSeenAt     string         `db:"last_seen_at"`
	Snippet        sql.NullString `db:"snippet"`
}

func (r *messageRow) toMessage() (types.Message, error) {
	m := types.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		FolderID:       r.FolderID,
		UID:            uint32(r.UID),
		MessageID:      r.MessageID,
		Subject:        r.Subject,
		SenderName:     r.SenderName,
		SenderEmail:    r.SenderEmail,
		Size:           r.Size,
		IsRead:         r.IsRead,
		IsFlagged:      r.IsFlagged,
		IsDeleted:      r.IsDeleted,
		HasAttachments: r.HasAttachments,
		ContentHash:    r.ContentHash,
	}
	if err := json.Unmarshal([]byte(r.Recipients), &m.Recipients); err != nil {
		return m, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	var err error
	if m.Date, err = parseTime(r.Date); err != nil {
		return m, err
	}
	if m.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return m, err
	}
	if m.LastSeenAt, err = parseTime(r.LastSeenAt); err != nil {
		return m, err
	}
	if r.Snippet.Valid {
		m.Snippet = snippet(r.Snippet.String)
	}
	return m, nil
}

// snippet trims body text to a short preview.
func snippet(body string) string {
	const max = 200
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}

// UpsertAccount creates or updates an account by name and returns its id.
func (s *Store) UpsertAccount(ctx context.Context, acc *types.Account) (int64, error) {
	const op = "store.UpsertAccount"
	if acc.Name == "" {
		return 0, errkind.E(errkind.Validation, op, "account name is required")
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(h)

	tx, err := h.Begin()
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO accounts (name, address, provider, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			provider = excluded.provider,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, acc.Name, acc.Address, acc.Provider, formatTime(time.Now())); err != nil {
		return 0, classify(op, err)
	}

	var id int64
	if err := tx.QueryRowxContext(ctx, "SELECT id FROM accounts WHERE name = ?", acc.Name).Scan(&id); err != nil {
		return 0, classify(op, err)
	}

	if err := h.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// GetAccountByName returns an account by name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*types.Account, error) {
	return s.getAccount(ctx, "SELECT * FROM accounts WHERE name = ?", name)
}

// GetAccountByID returns an account by id.
func (s *Store) GetAccountByID(ctx context.Context, id int64) (*types.Account, error) {
	return s.getAccount(ctx, "SELECT * FROM accounts WHERE id = ?", id)
}

func (s *Store) getAccount(ctx context.Context, query string, arg interface{}) (*types.Account, error) {
	const op = "store.GetAccount"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var row accountRow
	if err := h.DB().GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, classify(op, err)
	}
	acc, err := row.toAccount()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &acc, nil
}

// ListAccounts returns all configured accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	const op = "store.ListAccounts"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var rows []accountRow
	if err := h.DB().SelectContext(ctx, &rows, "SELECT * FROM accounts ORDER BY name"); err != nil {
		return nil, classify(op, err)
	}

	accounts := make([]types.Account, 0, len(rows))
	for i := range rows {
		acc, err := rows[i].toAccount()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// SetAccountSyncState updates an account's sync status. A completed run also
// stamps last_sync_at and refreshes the cached total message count.
func (s *Store) SetAccountSyncState(ctx context.Context, accountID int64, status types.SyncStatus, totalMessages int) error {
	const op = "store.SetAccountSyncState"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	now := formatTime(time.Now())
	var res sql.Result
	if status == types.SyncStatusCompleted {
		res, err = h.DB().ExecContext(ctx,
			"UPDATE accounts SET sync_status = ?, last_sync_at = ?, total_messages = ?, updated_at = ? WHERE id = ?",
			status, now, totalMessages, now, accountID)
	} else {
		res, err = h.DB().ExecContext(ctx,
			"UPDATE accounts SET sync_status = ?, updated_at = ? WHERE id = ?",
			status, now, accountID)
	}
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: account %d: %w", op, accountID, ErrNotFound)
	}
	return nil
}

// UpsertFolder creates or updates a folder by its natural key and returns the
// surrogate id, which is stable across updates: the row is never deleted and
// reinserted.
func (s *Store) UpsertFolder(ctx context.Context, accountID int64, name, displayName string) (int64, error) {
	const op = "store.UpsertFolder"
	if accountID <= 0 || name == "" {
		return 0, errkind.E(errkind.Validation, op, "account id and folder name are required")
	}
	if displayName == "" {
		displayName = name
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(h)

	tx, err := h.Begin()
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO folders (account_id, name, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			display_name = excluded.display_name
	`
	if _, err := tx.ExecContext(ctx, query, accountID, name, displayName); err != nil {
		return 0, classify(op, err)
	}

	var id int64
	if err := tx.QueryRowxContext(ctx, "SELECT id FROM folders WHERE account_id = ? AND name = ?", accountID, name).Scan(&id); err != nil {
		return 0, classify(op, err)
	}

	if err := h.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// GetFolderByID returns a folder by its surrogate id.
func (s *Store) GetFolderByID(ctx context.Context, id int64) (*types.Folder, error) {
	const op = "store.GetFolderByID"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var row folderRow
	if err := h.DB().GetContext(ctx, &row, "SELECT * FROM folders WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, classify(op, err)
	}
	f, err := row.toFolder()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &f, nil
}

// ListFolders lists folders with their denormalized counts, optionally
// scoped to one account.
func (s *Store) ListFolders(ctx context.Context, accountID *int64) ([]types.Folder, error) {
	const op = "store.ListFolders"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	query := "SELECT * FROM folders ORDER BY account_id, name"
	args := []interface{}{}
	if accountID != nil {
		query = "SELECT * FROM folders WHERE account_id = ? ORDER BY name"
		args = append(args, *accountID)
	}

	var rows []folderRow
	if err := h.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(op, err)
	}

	folders := make([]types.Folder, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toFolder()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// UpsertOutcome reports what UpsertMessage did to the row.
type UpsertOutcome int

const (
	// OutcomeInserted means the message was observed for the first time.
	OutcomeInserted UpsertOutcome = iota
	// OutcomeUpdated means the row existed and its content hash changed.
	OutcomeUpdated
	// OutcomeUnchanged means the row existed with the same content hash;
	// only last_seen_at was touched.
	OutcomeUnchanged
)

// UpsertMessage inserts a message on first observation or updates it in
// place afterward, preserving the surrogate id. When the content hash is
// unchanged only last_seen_at is touched, so unchanged remote records never
// cause a rewrite.
func (s *Store) UpsertMessage(ctx context.Context, m *types.Message) (int64, UpsertOutcome, error) {
	const op = "store.UpsertMessage"
	if m.AccountID <= 0 || m.FolderID <= 0 || m.UID == 0 {
		return 0, 0, errkind.E(errkind.Validation, op, "account id, folder id and uid are required")
	}
	if m.Date.IsZero() {
		return 0, 0, errkind.E(errkind.Validation, op, "message date is required")
	}

	recipientsJSON, err := json.Marshal(m.Recipients)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: failed to marshal recipients: %w", op, err)
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer s.pool.Release(h)

	tx, err := h.Begin()
	if err != nil {
		return 0, 0, err
	}

	now := formatTime(time.Now())

	var existing struct {
		ID          int64  `db:"id"`
		ContentHash string `db:"content_hash"`
	}
	err = tx.GetContext(ctx, &existing,
		"SELECT id, content_hash FROM messages WHERE account_id = ? AND folder_id = ? AND uid = ?",
		m.AccountID, m.FolderID, m.UID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (account_id, folder_id, uid, message_id, subject, sender_name, sender_email,
				recipients, date, size, is_read, is_flagged, has_attachments, content_hash,
				created_at, updated_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.AccountID, m.FolderID, m.UID, m.MessageID, m.Subject, m.SenderName, m.SenderEmail,
			string(recipientsJSON), formatTime(m.Date), m.Size, m.IsRead, m.IsFlagged, m.HasAttachments, m.ContentHash,
			now, now, now)
		if err != nil {
			return 0, 0, classify(op, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, 0, classify(op, err)
		}
		if err := h.Commit(); err != nil {
			return 0, 0, err
		}
		return id, OutcomeInserted, nil

	case err != nil:
		return 0, 0, classify(op, err)

	case existing.ContentHash == m.ContentHash:
		// Nothing changed upstream: only record the observation.
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET last_seen_at = ? WHERE id = ?", now, existing.ID); err != nil {
			return 0, 0, classify(op, err)
		}
		if err := h.Commit(); err != nil {
			return 0, 0, err
		}
		return existing.ID, OutcomeUnchanged, nil

	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET message_id = ?, subject = ?, sender_name = ?, sender_email = ?,
				recipients = ?, date = ?, size = ?, is_read = ?, is_flagged = ?, has_attachments = ?,
				content_hash = ?, updated_at = ?, last_seen_at = ?
			WHERE id = ?`,
			m.MessageID, m.Subject, m.SenderName, m.SenderEmail,
			string(recipientsJSON), formatTime(m.Date), m.Size, m.IsRead, m.IsFlagged, m.HasAttachments,
			m.ContentHash, now, now, existing.ID)
		if err != nil {
			return 0, 0, classify(op, err)
		}
		if err := h.Commit(); err != nil {
			return 0, 0, err
		}
		return existing.ID, OutcomeUpdated, nil
	}
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*types.Message, error) {
	const op = "store.GetMessage"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var row messageRow
	if err := h.DB().GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: message %d: %w", op, id, ErrNotFound)
		}
		return nil, classify(op, err)
	}
	m, err := row.toMessage()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &m, nil
}

// SetMessageFlags applies the non-nil flag mutations to one message.
func (s *Store) SetMessageFlags(ctx context.Context, id int64, flags types.FlagUpdate) error {
	const op = "store.SetMessageFlags"
	if id <= 0 {
		return errkind.E(errkind.Validation, op, "invalid message id: %d", id)
	}
	if flags.Read == nil && flags.Flagged == nil {
		return errkind.E(errkind.Validation, op, "no flags to update")
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	query := "UPDATE messages SET updated_at = ?"
	args := []interface{}{formatTime(time.Now())}
	if flags.Read != nil {
		query += ", is_read = ?"
		args = append(args, *flags.Read)
	}
	if flags.Flagged != nil {
		query += ", is_flagged = ?"
		args = append(args, *flags.Flagged)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := h.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: message %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// MoveMessage reassigns a message to another folder of the same account.
func (s *Store) MoveMessage(ctx context.Context, id, folderID int64) error {
	const op = "store.MoveMessage"
	if id <= 0 || folderID <= 0 {
		return errkind.E(errkind.Validation, op, "invalid message or folder id")
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	res, err := h.DB().ExecContext(ctx,
		"UPDATE messages SET folder_id = ?, updated_at = ? WHERE id = ?",
		folderID, formatTime(time.Now()), id)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: message %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// DeleteMessage soft-deletes a message, or removes it permanently when
// requested. Soft deletion is reversible via SetMessageDeleted.
func (s *Store) DeleteMessage(ctx context.Context, id int64, permanent bool) error {
	const op = "store.DeleteMessage"
	if id <= 0 {
		return errkind.E(errkind.Validation, op, "invalid message id: %d", id)
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	var res sql.Result
	if permanent {
		res, err = h.DB().ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	} else {
		res, err = h.DB().ExecContext(ctx,
			"UPDATE messages SET is_deleted = 1, updated_at = ? WHERE id = ?",
			formatTime(time.Now()), id)
	}
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: message %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// SetMessageDeleted flips the soft-delete flag, restoring a message when
// deleted is false.
func (s *Store) SetMessageDeleted(ctx context.Context, id int64, deleted bool) error {
	const op = "store.SetMessageDeleted"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	res, err := h.DB().ExecContext(ctx,
		"UPDATE messages SET is_deleted = ?, updated_at = ? WHERE id = ?",
		deleted, formatTime(time.Now()), id)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: message %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// HasContent reports whether a message's body has been fetched, without
// loading the payload.
func (s *Store) HasContent(ctx context.Context, id int64) (bool, error) {
	const op = "store.HasContent"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(h)

	var count int
	if err := h.DB().GetContext(ctx, &count, "SELECT COUNT(*) FROM message_contents WHERE message_id = ?", id); err != nil {
		return false, classify(op, err)
	}
	return count > 0, nil
}

// GetContent loads a message body.
func (s *Store) GetContent(ctx context.Context, id int64) (*types.MessageContent, error) {
	const op = "store.GetContent"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var content types.MessageContent
	err = h.DB().QueryRowxContext(ctx,
		"SELECT message_id, body_text, body_html, raw_headers, size FROM message_contents WHERE message_id = ?", id).
		Scan(&content.MessageID, &content.BodyText, &content.BodyHTML, &content.RawHeaders, &content.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: content for message %d: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &content, nil
}

// UpsertContent stores a message body.
func (s *Store) UpsertContent(ctx context.Context, id int64, bodyText, bodyHTML, rawHeaders string, size int64) error {
	const op = "store.UpsertContent"
	if id <= 0 {
		return errkind.E(errkind.Validation, op, "invalid message id: %d", id)
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	query := `
		INSERT INTO message_contents (message_id, body_text, body_html, raw_headers, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			raw_headers = excluded.raw_headers,
			size = excluded.size
	`
	if _, err := h.DB().ExecContext(ctx, query, id, bodyText, bodyHTML, rawHeaders, size); err != nil {
		return classify(op, err)
	}
	return nil
}

// ReplaceAttachments replaces the attachment metadata of a message and
// refreshes its has_attachments flag.
func (s *Store) ReplaceAttachments(ctx context.Context, messageID int64, attachments []types.Attachment) error {
	const op = "store.ReplaceAttachments"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	tx, err := h.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_id = ?", messageID); err != nil {
		return classify(op, err)
	}
	for i := range attachments {
		a := &attachments[i]
		_, err := tx.ExecContext(ctx,
			"INSERT INTO attachments (message_id, filename, mime_type, size, is_inline, storage_path) VALUES (?, ?, ?, ?, ?, ?)",
			messageID, a.Filename, a.MIMEType, a.Size, a.IsInline, a.StoragePath)
		if err != nil {
			return classify(op, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET has_attachments = ? WHERE id = ?", len(attachments) > 0, messageID); err != nil {
		return classify(op, err)
	}

	return h.Commit()
}

// GetAttachments lists attachment metadata for a message.
func (s *Store) GetAttachments(ctx context.Context, messageID int64) ([]types.Attachment, error) {
	const op = "store.GetAttachments"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var attachments []types.Attachment
	rows, err := h.DB().QueryxContext(ctx,
		"SELECT id, message_id, filename, mime_type, size, is_inline, storage_path FROM attachments WHERE message_id = ? ORDER BY id", messageID)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a types.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MIMEType, &a.Size, &a.IsInline, &a.StoragePath); err != nil {
			return nil, classify(op, err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// RecordSyncRun appends one entry to the synchronization history. Entries
// are never mutated after completion.
func (s *Store) RecordSyncRun(ctx context.Context, run *types.SyncRun) error {
	const op = "store.RecordSyncRun"
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.AccountID <= 0 {
		return errkind.E(errkind.Validation, op, "account id is required")
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}
	var folderID interface{}
	if run.FolderID != nil {
		folderID = *run.FolderID
	}

	query := `
		INSERT INTO sync_runs (id, account_id, folder_id, run_type, started_at, completed_at, added, updated, deleted, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = h.DB().ExecContext(ctx, query,
		run.ID, run.AccountID, folderID, run.Type, formatTime(run.StartedAt), completedAt,
		run.Added, run.Updated, run.Deleted, run.Status, run.Error)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

type syncRunRow struct {
	ID          string         `db:"id"`
	AccountID   int64          `db:"account_id"`
	FolderID    sql.NullInt64  `db:"folder_id"`
	RunType     string         `db:"run_type"`
	StartedAt   string         `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
	Added       int            `db:"added"`
	Updated     int            `db:"updated"`
	Deleted     int            `db:"deleted"`
	Status      string         `db:"status"`
	Error       string         `db:"error"`
}

func (r *syncRunRow) toSyncRun() (types.SyncRun, error) {
	run := types.SyncRun{
		ID:        r.ID,
		AccountID: r.AccountID,
		Type:      types.SyncRunType(r.RunType),
		Added:     r.Added,
		Updated:   r.Updated,
		Deleted:   r.Deleted,
		Status:    types.SyncStatus(r.Status),
		Error:     r.Error,
	}
	if r.FolderID.Valid {
		id := r.FolderID.Int64
		run.FolderID = &id
	}
	var err error
	if run.StartedAt, err = parseTime(r.StartedAt); err != nil {
		return run, err
	}
	if r.CompletedAt.Valid {
		t, err := parseTime(r.CompletedAt.String)
		if err != nil {
			return run, err
		}
		run.CompletedAt = &t
	}
	return run, nil
}

// GetSyncStatus returns each account paired with its most recent sync run,
// optionally scoped to one account.
func (s *Store) GetSyncStatus(ctx context.Context, accountID *int64) ([]types.AccountSyncStatus, error) {
	const op = "store.GetSyncStatus"

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var statuses []types.AccountSyncStatus
	for i := range accounts {
		acc := accounts[i]
		if accountID != nil && acc.ID != *accountID {
			continue
		}

		status := types.AccountSyncStatus{Account: acc}
		var row syncRunRow
		err := h.DB().GetContext(ctx, &row,
			"SELECT * FROM sync_runs WHERE account_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1", acc.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Never synced
		case err != nil:
			return nil, classify(op, err)
		default:
			run, err := row.toSyncRun()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			status.LastRun = &run
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ListSyncRuns returns the history for one account, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, accountID int64, limit int) ([]types.SyncRun, error) {
	const op = "store.ListSyncRuns"
	if limit <= 0 {
		limit = 50
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var rows []syncRunRow
	err = h.DB().SelectContext(ctx, &rows,
		"SELECT * FROM sync_runs WHERE account_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?", accountID, limit)
	if err != nil {
		return nil, classify(op, err)
	}

	runs := make([]types.SyncRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toSyncRun()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateFolderCursor advances a folder's sync cursor. The cursor is
// monotonic: a lower value never overwrites a higher one.
func (s *Store) UpdateFolderCursor(ctx context.Context, folderID int64, lastUID uint32) error {
	const op = "store.UpdateFolderCursor"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.DB().ExecContext(ctx, `
		UPDATE folders SET
			last_uid = CASE WHEN ? > last_uid THEN ? ELSE last_uid END,
			last_synced_at = ?
		WHERE id = ?`,
		int64(lastUID), int64(lastUID), formatTime(time.Now()), folderID)
	return classify(op, err)
}

// RefreshFolderCounts recomputes a folder's denormalized message and unread
// counts.
func (s *Store) RefreshFolderCounts(ctx context.Context, folderID int64) error {
	const op = "store.RefreshFolderCounts"
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.DB().ExecContext(ctx, `
		UPDATE folders SET
			message_count = (SELECT COUNT(*) FROM messages WHERE folder_id = folders.id AND is_deleted = 0),
			unread_count = (SELECT COUNT(*) FROM messages WHERE folder_id = folders.id AND is_deleted = 0 AND is_read = 0)
		WHERE id = ?`, folderID)
	return classify(op, err)
}

// PruneMessages permanently removes messages older than the retention
// window. A retention of zero disables pruning. Returns the removed count.
func (s *Store) PruneMessages(ctx context.Context, accountID int64, retentionDays int) (int64, error) {
	const op = "store.PruneMessages"
	if retentionDays <= 0 {
		return 0, nil
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(h)

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := h.DB().ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND date < ?", accountID, cutoff)
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"pruned":     n,
		}).Info("Pruned messages past retention")
	}
	return n, nil
}
