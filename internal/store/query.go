package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/brandon/mailmirror/pkg/types"
)

// ftsState caches the outcome of the full-text availability probe.
type ftsState struct {
	mu      sync.Mutex
	probed  bool
	present bool
}

// ftsAvailable probes once whether the full-text index was created. The
// schema init tolerates drivers without FTS5, so the query path has to check.
func (s *Store) ftsAvailable(ctx context.Context, h *Handle) bool {
	s.fts.mu.Lock()
	defer s.fts.mu.Unlock()

	if s.fts.probed {
		return s.fts.present
	}

	var count int
	err := h.DB().GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'messages_fts'")
	if err != nil {
		// Leave unprobed so a transient failure does not pin the fallback.
		return false
	}
	s.fts.probed = true
	s.fts.present = count > 0
	if !s.fts.present {
		s.logger.Warn("Full-text index missing, search uses substring matching")
	}
	return s.fts.present
}

// GetMessages lists messages matching the filter, newest first. Soft-deleted
// messages are excluded. The returned page carries the total match count so
// callers can paginate.
func (s *Store) GetMessages(ctx context.Context, filter types.MessageFilter) (*types.MessagePage, error) {
	const op = "store.GetMessages"

	conditions := []string{"m.is_deleted = 0"}
	args := []interface{}{}

	if filter.AccountID != nil {
		conditions = append(conditions, "m.account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.FolderID != nil {
		conditions = append(conditions, "m.folder_id = ?")
		args = append(args, *filter.FolderID)
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "m.is_read = 0")
	}

	where := strings.Join(conditions, " AND ")
	return s.runMessageQuery(ctx, op, where, args, filter.Limit, filter.Offset)
}

// SearchMessages runs a full-text search over subject, sender and body text,
// falling back to substring matching when the full-text index is missing.
func (s *Store) SearchMessages(ctx context.Context, q types.SearchQuery) (*types.MessagePage, error) {
	const op = "store.SearchMessages"

	conditions := []string{"m.is_deleted = 0"}
	args := []interface{}{}

	if q.AccountID != nil {
		conditions = append(conditions, "m.account_id = ?")
		args = append(args, *q.AccountID)
	}
	if q.FolderID != nil {
		conditions = append(conditions, "m.folder_id = ?")
		args = append(args, *q.FolderID)
	}
	if q.DateFrom != nil {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, formatTime(*q.DateFrom))
	}
	if q.DateTo != nil {
		conditions = append(conditions, "m.date <= ?")
		args = append(args, formatTime(*q.DateTo))
	}

	if q.Text != "" {
		h, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		useFTS := s.ftsAvailable(ctx, h)
		s.pool.Release(h)

		if useFTS {
			conditions = append(conditions,
				"m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
			args = append(args, ftsQuote(q.Text))
		} else {
			like := "%" + q.Text + "%"
			conditions = append(conditions,
				"(m.subject LIKE ? OR m.sender_name LIKE ? OR m.sender_email LIKE ?)")
			args = append(args, like, like, like)
		}
	}

	where := strings.Join(conditions, " AND ")
	return s.runMessageQuery(ctx, op, where, args, q.Limit, q.Offset)
}

// ftsQuote wraps the user text in a quoted FTS5 string so punctuation in the
// query cannot be parsed as match syntax.
func ftsQuote(text string) string {
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}

func (s *Store) runMessageQuery(ctx context.Context, op, where string, args []interface{}, limit, offset int) (*types.MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	var total int
	countQuery := "SELECT COUNT(*) FROM messages m WHERE " + where
	if err := h.DB().GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, classify(op, err)
	}

	query := fmt.Sprintf(`
		SELECT m.*, c.body_text AS snippet
		FROM messages m
		LEFT JOIN message_contents c ON c.message_id = m.id
		WHERE %s
		ORDER BY m.date DESC, m.id DESC
		LIMIT ? OFFSET ?`, where)
	pageArgs := append(append([]interface{}{}, args...), limit, offset)

	var rows []messageRow
	if err := h.DB().SelectContext(ctx, &rows, query, pageArgs...); err != nil {
		return nil, classify(op, err)
	}

	page := &types.MessagePage{
		Messages: make([]types.Message, 0, len(rows)),
		Total:    total,
	}
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}
