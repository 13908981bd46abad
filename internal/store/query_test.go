package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brandon/mailmirror/pkg/types"
)

// seedMailbox fills one folder with n messages, alternating read state.
func seedMailbox(t *testing.T, s *Store, n int) (accID, folderID int64) {
	t.Helper()
	ctx := context.Background()
	accID = seedAccount(t, s)
	folderID = seedFolder(t, s, accID, "INBOX")

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		m := &types.Message{
			AccountID:   accID,
			FolderID:    folderID,
			UID:         uint32(i),
			MessageID:   fmt.Sprintf("<%d@example.com>", i),
			Subject:     fmt.Sprintf("Invoice %d", i),
			SenderName:  "Billing",
			SenderEmail: "billing@example.com",
			Date:        base.Add(time.Duration(i) * time.Hour),
			IsRead:      i%2 == 0,
			ContentHash: fmt.Sprintf("hash-%d", i),
		}
		if _, _, err := s.UpsertMessage(ctx, m); err != nil {
			t.Fatalf("UpsertMessage(%d) error: %v", i, err)
		}
	}
	return accID, folderID
}

func TestGetMessages_FiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accID, folderID := seedMailbox(t, s, 10)

	page, err := s.GetMessages(ctx, types.MessageFilter{AccountID: &accID, Limit: 3})
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if page.Total != 10 {
		t.Errorf("Total = %d, want 10", page.Total)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("page size = %d, want 3", len(page.Messages))
	}
	// Newest first.
	if page.Messages[0].UID != 10 {
		t.Errorf("first uid = %d, want 10", page.Messages[0].UID)
	}

	next, err := s.GetMessages(ctx, types.MessageFilter{AccountID: &accID, Limit: 3, Offset: 3})
	if err != nil {
		t.Fatalf("GetMessages(offset) error: %v", err)
	}
	if next.Messages[0].UID != 7 {
		t.Errorf("offset page first uid = %d, want 7", next.Messages[0].UID)
	}

	unread, err := s.GetMessages(ctx, types.MessageFilter{FolderID: &folderID, UnreadOnly: true, Limit: 50})
	if err != nil {
		t.Fatalf("GetMessages(unread) error: %v", err)
	}
	if unread.Total != 5 {
		t.Errorf("unread total = %d, want 5", unread.Total)
	}
	for _, m := range unread.Messages {
		if m.IsRead {
			t.Errorf("uid %d is read in an unread-only listing", m.UID)
		}
	}
}

func TestGetMessages_ExcludesSoftDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accID, _ := seedMailbox(t, s, 3)

	page, err := s.GetMessages(ctx, types.MessageFilter{AccountID: &accID, Limit: 50})
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if err := s.DeleteMessage(ctx, page.Messages[0].ID, false); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}

	page, err = s.GetMessages(ctx, types.MessageFilter{AccountID: &accID, Limit: 50})
	if err != nil {
		t.Fatalf("GetMessages() after delete error: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("Total = %d after soft delete, want 2", page.Total)
	}
}

func TestSearchMessages_Text(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accID, folderID := seedMailbox(t, s, 5)

	needle := &types.Message{
		AccountID:   accID,
		FolderID:    folderID,
		UID:         99,
		MessageID:   "<needle@example.com>",
		Subject:     "Quarterly report attached",
		SenderName:  "Carol",
		SenderEmail: "carol@example.com",
		Date:        time.Date(2026, 6, 20, 9, 0, 0, 0, time.UTC),
		ContentHash: "hash-needle",
	}
	if _, _, err := s.UpsertMessage(ctx, needle); err != nil {
		t.Fatalf("UpsertMessage() error: %v", err)
	}

	page, err := s.SearchMessages(ctx, types.SearchQuery{Text: "quarterly", AccountID: &accID, Limit: 50})
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("Total = %d, want 1", page.Total)
	}
	if page.Messages[0].UID != 99 {
		t.Errorf("uid = %d, want 99", page.Messages[0].UID)
	}

	// Punctuation in the query must not break the match syntax.
	if _, err := s.SearchMessages(ctx, types.SearchQuery{Text: `report "q3"`, AccountID: &accID, Limit: 10}); err != nil {
		t.Errorf("SearchMessages() with quotes error: %v", err)
	}
}

func TestSearchMessages_BodyText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accID, _ := seedMailbox(t, s, 2)

	page, err := s.GetMessages(ctx, types.MessageFilter{AccountID: &accID, Limit: 1})
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	id := page.Messages[0].ID
	if err := s.UpsertContent(ctx, id, "the zanzibar conference is confirmed", "", "", 10); err != nil {
		t.Fatalf("UpsertContent() error: %v", err)
	}

	found, err := s.SearchMessages(ctx, types.SearchQuery{Text: "zanzibar", AccountID: &accID, Limit: 10})
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if found.Total != 1 {
		t.Fatalf("Total = %d, want 1 (body text must be searchable)", found.Total)
	}
	if found.Messages[0].Snippet == "" {
		t.Error("Snippet empty for a message with stored body text")
	}
}

func TestSearchMessages_DateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accID, _ := seedMailbox(t, s, 10)

	from := time.Date(2026, 6, 1, 17, 30, 0, 0, time.UTC) // after uid 5
	to := time.Date(2026, 6, 1, 20, 30, 0, 0, time.UTC)   // before uid 9

	page, err := s.SearchMessages(ctx, types.SearchQuery{AccountID: &accID, DateFrom: &from, DateTo: &to, Limit: 50})
	if err != nil {
		t.Fatalf("SearchMessages() error: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("Total = %d, want 3 (uids 6..8)", page.Total)
	}
}
