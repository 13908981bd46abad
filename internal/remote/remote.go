// Package remote defines the provider-facing client used by the sync engine
// and the hybrid manager. The concrete IMAP implementation lives in the
// imapclient subpackage; tests substitute fakes.
package remote

import (
	"context"
	"time"
)

// FolderInfo describes one remote folder.
type FolderInfo struct {
	Name     string
	Messages uint32
	Unseen   uint32
}

// MessageRecord is the metadata of one remote message as observed during a
// sync pass. Bodies are fetched separately and lazily.
type MessageRecord struct {
	UID            uint32
	MessageID      string
	Subject        string
	SenderName     string
	SenderEmail    string
	Recipients     []string
	Date           time.Time
	Size           int64
	Seen           bool
	Flagged        bool
	Deleted        bool
	HasAttachments bool
}

// BodyRecord is a message body with its attachment metadata.
type BodyRecord struct {
	Text        string
	HTML        string
	RawHeaders  string
	Size        int64
	Attachments []AttachmentRecord
}

// AttachmentRecord is the metadata of one attachment. Payloads are never
// carried through this package.
type AttachmentRecord struct {
	Filename string
	MIMEType string
	Size     int64
	Inline   bool
}

// Flags carries optional flag mutations; nil fields are left untouched.
type Flags struct {
	Seen    *bool
	Flagged *bool
}

// Client is one live session against a remote mailbox. Implementations are
// not safe for concurrent use; the sync engine serializes access per account.
type Client interface {
	// ListFolders enumerates the selectable folders.
	ListFolders(ctx context.Context) ([]FolderInfo, error)

	// SearchSince returns the identifiers of messages newer than the given
	// cursor, ascending.
	SearchSince(ctx context.Context, folder string, sinceUID uint32) ([]uint32, error)

	// SearchWindow returns the identifiers of messages dated on or after
	// oldest, ascending. Used by full passes to bound the rebuild.
	SearchWindow(ctx context.Context, folder string, oldest time.Time) ([]uint32, error)

	// FetchBatch fetches metadata for the given identifiers.
	FetchBatch(ctx context.Context, folder string, uids []uint32) ([]MessageRecord, error)

	// FetchBody fetches and parses one message body.
	FetchBody(ctx context.Context, folder string, uid uint32) (*BodyRecord, error)

	// SetFlags applies flag mutations to one message.
	SetFlags(ctx context.Context, folder string, uid uint32, flags Flags) error

	// Move relocates one message to another folder.
	Move(ctx context.Context, folder string, uid uint32, dest string) error

	// Delete removes one message, permanently when requested.
	Delete(ctx context.Context, folder string, uid uint32, permanent bool) error

	// Close terminates the session.
	Close() error
}

// Dialer opens sessions by account name.
type Dialer interface {
	Dial(ctx context.Context, account string) (Client, error)
}
