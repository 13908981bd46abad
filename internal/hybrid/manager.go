// Package hybrid serves queries from the local replica and decides, per
// request, whether the replica is fresh enough or a quick remote refresh is
// needed first. Mutations go remote-first: the local row only changes after
// the provider accepted the operation.
package hybrid

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/errkind"
	"github.com/brandon/mailmirror/internal/remote"
	"github.com/brandon/mailmirror/internal/store"
	"github.com/brandon/mailmirror/internal/syncer"
	"github.com/brandon/mailmirror/pkg/types"
)

const bodyCacheSize = 256

// refresher is the slice of the sync engine the manager needs.
type refresher interface {
	QuickSync(ctx context.Context, acc *types.Account) error
}

// Manager is the hybrid query/update front of the replica.
type Manager struct {
	store     *store.Store
	refresher refresher
	dialer    remote.Dialer
	settings  *config.SettingsHolder
	bodies    *lru.Cache[int64, *types.MessageContent]
	logger    *logrus.Logger
}

// NewManager creates a hybrid manager.
func NewManager(st *store.Store, r refresher, dialer remote.Dialer, settings *config.SettingsHolder, logger *logrus.Logger) (*Manager, error) {
	bodies, err := lru.New[int64, *types.MessageContent](bodyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:     st,
		refresher: r,
		dialer:    dialer,
		settings:  settings,
		bodies:    bodies,
		logger:    logger,
	}, nil
}

// Options tune one query's freshness handling.
type Options struct {
	// ForceFresh refreshes before serving even if the cache is fresh.
	ForceFresh bool
	// ForceCache serves the cache as-is, annotated with its staleness.
	ForceCache bool
}

// freshness classifies the replica state for one account.
func (m *Manager) freshness(acc *types.Account) types.Freshness {
	if acc.LastSyncAt == nil {
		return types.Freshness{Stale: true, NoBaseline: true, Reason: "account has never been synced"}
	}
	threshold := m.settings.Get().Freshness()
	if time.Since(*acc.LastSyncAt) > threshold {
		return types.Freshness{Stale: true, Reason: "last sync is past the freshness threshold"}
	}
	return types.Freshness{}
}

// ensureFresh refreshes the account's replica when it is stale. A refresh
// that loses the per-account lock to a running sync is fine: the result is
// served from the cache and annotated, never blocked.
func (m *Manager) ensureFresh(ctx context.Context, accountID int64, opts Options) types.Freshness {
	acc, err := m.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return types.Freshness{Stale: true, Reason: "account state unavailable"}
	}

	f := m.freshness(acc)
	if opts.ForceCache {
		return f
	}
	if !f.Stale && !opts.ForceFresh {
		return f
	}

	if err := m.refresher.QuickSync(ctx, acc); err != nil {
		if errors.Is(err, syncer.ErrSyncRunning) {
			f.Reason = "refresh skipped, sync already in progress"
			return f
		}
		m.logger.WithError(err).WithField("account", acc.Name).Warn("Quick refresh failed, serving cache")
		f.Stale = true
		if f.Reason == "" {
			f.Reason = "refresh failed"
		}
		return f
	}
	return types.Freshness{}
}

// ListMessages lists messages, refreshing first when the backing replica is
// stale and the filter is scoped to an account. Unread-only listings always
// demand freshness: a stale unread view is actively misleading.
func (m *Manager) ListMessages(ctx context.Context, filter types.MessageFilter, opts Options) (*types.MessagePage, error) {
	var fresh types.Freshness
	if filter.AccountID != nil {
		if filter.UnreadOnly {
			opts.ForceFresh = true
			opts.ForceCache = false
		}
		fresh = m.ensureFresh(ctx, *filter.AccountID, opts)
	}

	page, err := m.store.GetMessages(ctx, filter)
	if err != nil {
		return nil, err
	}
	page.Freshness = fresh
	return page, nil
}

// SearchMessages searches the replica. Recency-implying searches refresh
// first; an implausibly small result for a substantial query triggers one
// refresh and a single re-query.
func (m *Manager) SearchMessages(ctx context.Context, q types.SearchQuery, opts Options) (*types.MessagePage, error) {
	var fresh types.Freshness
	if q.AccountID != nil {
		if impliesRecency(q, m.settings.Get().Freshness()) {
			opts.ForceFresh = true
			opts.ForceCache = false
		}
		fresh = m.ensureFresh(ctx, *q.AccountID, opts)
	}

	page, err := m.store.SearchMessages(ctx, q)
	if err != nil {
		return nil, err
	}

	if page.Total == 0 && q.AccountID != nil && !opts.ForceCache && substantialQuery(q.Text) {
		acc, err := m.store.GetAccountByID(ctx, *q.AccountID)
		if err == nil {
			if err := m.refresher.QuickSync(ctx, acc); err == nil {
				if again, err := m.store.SearchMessages(ctx, q); err == nil {
					page = again
					fresh = types.Freshness{}
				}
			}
		}
	}

	page.Freshness = fresh
	return page, nil
}

// impliesRecency reports whether the query's date range reaches into the
// freshness window, meaning the newest messages are likely to matter.
func impliesRecency(q types.SearchQuery, threshold time.Duration) bool {
	if q.DateTo == nil && q.DateFrom != nil {
		// Unbounded above: the range extends to now.
		return true
	}
	if q.DateTo != nil && time.Since(*q.DateTo) < threshold {
		return true
	}
	return false
}

// substantialQuery reports whether the text is long enough that an empty
// result plausibly means the cache is behind rather than nothing matching.
func substantialQuery(text string) bool {
	return len([]rune(strings.TrimSpace(text))) >= 3
}

// GetMessageContent returns a message body, fetching it from the remote on
// first access and caching it locally from then on.
func (m *Manager) GetMessageContent(ctx context.Context, messageID int64) (*types.MessageContent, error) {
	if content, ok := m.bodies.Get(messageID); ok {
		return content, nil
	}

	content, err := m.store.GetContent(ctx, messageID)
	if err == nil {
		m.bodies.Add(messageID, content)
		return content, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	folder, err := m.store.GetFolderByID(ctx, msg.FolderID)
	if err != nil {
		return nil, err
	}
	acc, err := m.store.GetAccountByID(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}

	client, err := m.dialer.Dial(ctx, acc.Name)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	body, err := client.FetchBody(ctx, folder.Name, msg.UID)
	if err != nil {
		return nil, err
	}

	if err := m.store.UpsertContent(ctx, messageID, body.Text, body.HTML, body.RawHeaders, body.Size); err != nil {
		return nil, err
	}
	if len(body.Attachments) > 0 {
		attachments := make([]types.Attachment, 0, len(body.Attachments))
		for _, a := range body.Attachments {
			attachments = append(attachments, types.Attachment{
				MessageID: messageID,
				Filename:  a.Filename,
				MIMEType:  a.MIMEType,
				Size:      a.Size,
				IsInline:  a.Inline,
			})
		}
		if err := m.store.ReplaceAttachments(ctx, messageID, attachments); err != nil {
			return nil, err
		}
	}

	content = &types.MessageContent{
		MessageID:  messageID,
		BodyText:   body.Text,
		BodyHTML:   body.HTML,
		RawHeaders: body.RawHeaders,
		Size:       body.Size,
	}
	m.bodies.Add(messageID, content)
	return content, nil
}

// mutationTarget resolves a local message id to its remote coordinates.
type mutationTarget struct {
	msg    *types.Message
	folder *types.Folder
	acc    *types.Account
}

func (m *Manager) resolveTarget(ctx context.Context, messageID int64) (*mutationTarget, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	folder, err := m.store.GetFolderByID(ctx, msg.FolderID)
	if err != nil {
		return nil, err
	}
	acc, err := m.store.GetAccountByID(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}
	return &mutationTarget{msg: msg, folder: folder, acc: acc}, nil
}

// withSession dials a session for the target, runs the remote mutation, and
// then the local write. The local write only runs after remote success; a
// local failure after remote success is logged and surfaced as success, the
// next sync reconciles the row.
func (m *Manager) withSession(ctx context.Context, t *mutationTarget, op string, fn func(remote.Client) error, local func() error) error {
	client, err := m.dialer.Dial(ctx, t.acc.Name)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := fn(client); err != nil {
		return err
	}
	if err := local(); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"message": t.msg.ID,
		}).Error("Local write failed after remote success, awaiting next sync")
	}
	return nil
}

// MarkRead sets or clears the read flag, remote-first.
func (m *Manager) MarkRead(ctx context.Context, messageID int64, read bool) error {
	t, err := m.resolveTarget(ctx, messageID)
	if err != nil {
		return err
	}
	return m.withSession(ctx, t, "mark_read",
		func(c remote.Client) error {
			return c.SetFlags(ctx, t.folder.Name, t.msg.UID, remote.Flags{Seen: &read})
		},
		func() error {
			if err := m.store.SetMessageFlags(ctx, messageID, types.FlagUpdate{Read: &read}); err != nil {
				return err
			}
			return m.store.RefreshFolderCounts(ctx, t.folder.ID)
		})
}

// MarkFlagged sets or clears the flagged marker, remote-first.
func (m *Manager) MarkFlagged(ctx context.Context, messageID int64, flagged bool) error {
	t, err := m.resolveTarget(ctx, messageID)
	if err != nil {
		return err
	}
	return m.withSession(ctx, t, "mark_flagged",
		func(c remote.Client) error {
			return c.SetFlags(ctx, t.folder.Name, t.msg.UID, remote.Flags{Flagged: &flagged})
		},
		func() error {
			return m.store.SetMessageFlags(ctx, messageID, types.FlagUpdate{Flagged: &flagged})
		})
}

// Move relocates a message to another folder of the same account,
// remote-first.
func (m *Manager) Move(ctx context.Context, messageID, destFolderID int64) error {
	t, err := m.resolveTarget(ctx, messageID)
	if err != nil {
		return err
	}
	dest, err := m.store.GetFolderByID(ctx, destFolderID)
	if err != nil {
		return err
	}
	if dest.AccountID != t.acc.ID {
		return errkind.E(errkind.Validation, "hybrid.Move", "destination folder belongs to a different account")
	}
	return m.withSession(ctx, t, "move",
		func(c remote.Client) error {
			return c.Move(ctx, t.folder.Name, t.msg.UID, dest.Name)
		},
		func() error {
			if err := m.store.MoveMessage(ctx, messageID, destFolderID); err != nil {
				return err
			}
			if err := m.store.RefreshFolderCounts(ctx, t.folder.ID); err != nil {
				return err
			}
			return m.store.RefreshFolderCounts(ctx, destFolderID)
		})
}

// Delete removes a message, remote-first. Non-permanent deletion keeps the
// local row tombstoned so the id stays resolvable.
func (m *Manager) Delete(ctx context.Context, messageID int64, permanent bool) error {
	t, err := m.resolveTarget(ctx, messageID)
	if err != nil {
		return err
	}
	return m.withSession(ctx, t, "delete",
		func(c remote.Client) error {
			return c.Delete(ctx, t.folder.Name, t.msg.UID, permanent)
		},
		func() error {
			m.bodies.Remove(messageID)
			if err := m.store.DeleteMessage(ctx, messageID, permanent); err != nil {
				return err
			}
			return m.store.RefreshFolderCounts(ctx, t.folder.ID)
		})
}

// ListFolders lists the locally known folders.
func (m *Manager) ListFolders(ctx context.Context, accountID *int64) ([]types.Folder, error) {
	return m.store.ListFolders(ctx, accountID)
}

// GetMessage returns one message's metadata from the replica.
func (m *Manager) GetMessage(ctx context.Context, messageID int64) (*types.Message, error) {
	return m.store.GetMessage(ctx, messageID)
}

// GetAttachments lists a message's attachment metadata.
func (m *Manager) GetAttachments(ctx context.Context, messageID int64) ([]types.Attachment, error) {
	return m.store.GetAttachments(ctx, messageID)
}
