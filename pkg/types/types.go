package types

import "time"

// SyncStatus describes where an account (or a single run) stands in its sync lifecycle.
type SyncStatus string

const (
	SyncStatusNever     SyncStatus = "never"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncRunType distinguishes cursor-based runs from bounded full resyncs.
type SyncRunType string

const (
	SyncRunIncremental SyncRunType = "incremental"
	SyncRunFull        SyncRunType = "full"
)

// Account represents one configured mailbox.
type Account struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	Provider      string     `json:"provider,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	TotalMessages int        `json:"total_messages"`
	SyncStatus    SyncStatus `json:"sync_status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Folder represents a remote folder mirrored into the local store. The ID is
// a surrogate key assigned on first observation and never changes afterward;
// message rows reference folders by it.
type Folder struct {
	ID           int64      `json:"id"`
	AccountID    int64      `json:"account_id"`
	Name         string     `json:"name"`
	DisplayName  string     `json:"display_name,omitempty"`
	MessageCount int        `json:"message_count"`
	UnreadCount  int        `json:"unread_count"`
	LastUID      uint32     `json:"last_uid"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Message holds the metadata of one mirrored message. Body content is stored
// separately and fetched lazily.
type Message struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	FolderID       int64     `json:"folder_id"`
	UID            uint32    `json:"uid"`
	MessageID      string    `json:"message_id"`
	Subject        string    `json:"subject"`
	SenderName     string    `json:"sender_name"`
	SenderEmail    string    `json:"sender_email"`
	Recipients     []string  `json:"recipients,omitempty"`
	Date           time.Time `json:"date"`
	Size           int64     `json:"size"`
	IsRead         bool      `json:"is_read"`
	IsFlagged      bool      `json:"is_flagged"`
	IsDeleted      bool      `json:"is_deleted"`
	HasAttachments bool      `json:"has_attachments"`
	ContentHash    string    `json:"content_hash"`
	Snippet        string    `json:"snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// MessageContent is the lazily-populated body of a message.
type MessageContent struct {
	MessageID  int64  `json:"message_id"`
	BodyText   string `json:"body_text,omitempty"`
	BodyHTML   string `json:"body_html,omitempty"`
	RawHeaders string `json:"raw_headers,omitempty"`
	Size       int64  `json:"size"`
}

// Attachment holds attachment metadata. Payloads are never stored locally,
// only an optional externalized location.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Filename    string `json:"filename"`
	MIMEType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"is_inline"`
	StoragePath string `json:"storage_path,omitempty"`
}

// SyncRun is one append-only entry in the synchronization history.
type SyncRun struct {
	ID          string      `json:"id"`
	AccountID   int64       `json:"account_id"`
	FolderID    *int64      `json:"folder_id,omitempty"`
	Type        SyncRunType `json:"type"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Added       int         `json:"added"`
	Updated     int         `json:"updated"`
	Deleted     int         `json:"deleted"`
	Status      SyncStatus  `json:"status"`
	Error       string      `json:"error,omitempty"`
}

// AccountSyncStatus pairs an account with its most recent sync run.
type AccountSyncStatus struct {
	Account Account  `json:"account"`
	LastRun *SyncRun `json:"last_run,omitempty"`
}

// FlagUpdate carries the flag mutations to apply; nil fields are untouched.
type FlagUpdate struct {
	Read    *bool `json:"read,omitempty"`
	Flagged *bool `json:"flagged,omitempty"`
}

// MessageFilter selects messages for listing.
type MessageFilter struct {
	AccountID  *int64 `json:"account_id,omitempty"`
	FolderID   *int64 `json:"folder_id,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// SearchQuery selects messages by free text and optional scoping.
type SearchQuery struct {
	Text      string     `json:"text"`
	AccountID *int64     `json:"account_id,omitempty"`
	FolderID  *int64     `json:"folder_id,omitempty"`
	DateFrom  *time.Time `json:"date_from,omitempty"`
	DateTo    *time.Time `json:"date_to,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// Freshness annotates a query result with how current the backing cache was
// when the result was produced. A response is never silently presented as
// fresh: callers see Stale/NoBaseline explicitly.
type Freshness struct {
	Stale      bool   `json:"stale,omitempty"`
	NoBaseline bool   `json:"no_baseline,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// MessagePage is one page of messages plus the total match count and the
// freshness annotation of the serving cache.
type MessagePage struct {
	Messages  []Message `json:"messages"`
	Total     int       `json:"total"`
	Freshness Freshness `json:"freshness"`
}
