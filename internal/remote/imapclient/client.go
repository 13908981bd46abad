// Package imapclient implements the remote.Client interface over IMAP.
package imapclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/errkind"
	"github.com/brandon/mailmirror/internal/remote"
)

const dialAttempts = 3

// Dialer opens IMAP sessions for the configured accounts.
type Dialer struct {
	accounts map[string]config.AccountConfig
	logger   *logrus.Logger
}

// NewDialer creates a dialer for the given account configurations.
func NewDialer(accounts []config.AccountConfig, logger *logrus.Logger) *Dialer {
	byName := make(map[string]config.AccountConfig, len(accounts))
	for _, acc := range accounts {
		byName[acc.Name] = acc
	}
	return &Dialer{accounts: byName, logger: logger}
}

// Dial connects and authenticates a session for the named account, retrying
// transient connection failures with backoff.
func (d *Dialer) Dial(ctx context.Context, account string) (remote.Client, error) {
	const op = "imap.Dial"

	cfg, ok := d.accounts[account]
	if !ok {
		return nil, errkind.E(errkind.Validation, op, "unknown account: %s", account)
	}

	addr := fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort)
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errkind.Wrap(errkind.Transient, op, err)
		}

		cl, err := client.DialTLS(addr, &tls.Config{
			ServerName: cfg.IMAPHost,
			MinVersion: tls.VersionTLS12,
		})
		if err != nil {
			lastErr = err
			d.logger.WithError(err).WithFields(logrus.Fields{
				"account": account,
				"attempt": attempt,
			}).Warn("IMAP connection failed")
			if attempt < dialAttempts {
				select {
				case <-time.After(b.Duration()):
				case <-ctx.Done():
					return nil, errkind.Wrap(errkind.Transient, op, ctx.Err())
				}
			}
			continue
		}

		if err := cl.Login(cfg.IMAPUsername, cfg.IMAPPassword); err != nil {
			cl.Logout() //nolint:errcheck
			// Auth rejections do not improve with retries.
			return nil, errkind.Wrap(errkind.Fatal, op, fmt.Errorf("failed to login: %w", err))
		}

		d.logger.WithField("account", account).Debug("Connected to IMAP server")
		return &Session{cl: cl, account: account, logger: d.logger}, nil
	}

	return nil, errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to connect to IMAP server: %w", lastErr))
}

// Session is one authenticated IMAP connection. It is not safe for
// concurrent use.
type Session struct {
	cl       *client.Client
	account  string
	logger   *logrus.Logger
	selected string
}

// selectFolder selects the folder if it is not already selected.
func (s *Session) selectFolder(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return errkind.Wrap(errkind.Transient, "imap.Select", err)
	}
	if s.selected == folder {
		return nil
	}
	if _, err := s.cl.Select(folder, false); err != nil {
		s.selected = ""
		return errkind.Wrap(errkind.Transient, "imap.Select", fmt.Errorf("failed to select folder %q: %w", folder, err))
	}
	s.selected = folder
	return nil
}

// ListFolders enumerates the selectable folders.
func (s *Session) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) {
	const op = "imap.ListFolders"
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, err)
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.List("", "*", mailboxes)
	}()

	var folders []remote.FolderInfo
	for m := range mailboxes {
		selectable := true
		for _, attr := range m.Attributes {
			if attr == imap.NoSelectAttr {
				selectable = false
				break
			}
		}
		if selectable {
			folders = append(folders, remote.FolderInfo{Name: m.Name})
		}
	}

	if err := <-done; err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to list folders: %w", err))
	}
	return folders, nil
}

// SearchSince returns the identifiers above the cursor, ascending.
func (s *Session) SearchSince(ctx context.Context, folder string, sinceUID uint32) ([]uint32, error) {
	const op = "imap.SearchSince"
	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(sinceUID+1, 0)
	criteria.Uid = seqSet

	uids, err := s.cl.UidSearch(criteria)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to search: %w", err))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SearchWindow returns the identifiers dated on or after oldest, ascending.
func (s *Session) SearchWindow(ctx context.Context, folder string, oldest time.Time) ([]uint32, error) {
	const op = "imap.SearchWindow"
	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = oldest

	uids, err := s.cl.UidSearch(criteria)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to search: %w", err))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchBatch fetches the envelope metadata for the given identifiers.
func (s *Session) FetchBatch(ctx context.Context, folder string, uids []uint32) ([]remote.MessageRecord, error) {
	const op = "imap.FetchBatch"
	if len(uids) == 0 {
		return nil, nil
	}
	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.UidFetch(seqSet, items, messages)
	}()

	var records []remote.MessageRecord
	for msg := range messages {
		records = append(records, parseEnvelope(msg))
	}

	if err := <-done; err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to fetch messages: %w", err))
	}
	return records, nil
}

// parseEnvelope converts an IMAP fetch result into a metadata record.
func parseEnvelope(msg *imap.Message) remote.MessageRecord {
	rec := remote.MessageRecord{
		UID:        msg.Uid,
		Date:       msg.InternalDate,
		Size:       int64(msg.Size),
		Recipients: []string{},
	}

	if msg.Envelope != nil {
		rec.MessageID = msg.Envelope.MessageId
		rec.Subject = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			rec.Date = msg.Envelope.Date
		}
		if len(msg.Envelope.From) > 0 {
			addr := msg.Envelope.From[0]
			rec.SenderName = addr.PersonalName
			rec.SenderEmail = addr.Address()
		}
		for _, to := range msg.Envelope.To {
			rec.Recipients = append(rec.Recipients, to.Address())
		}
		for _, cc := range msg.Envelope.Cc {
			rec.Recipients = append(rec.Recipients, cc.Address())
		}
	}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			rec.Seen = true
		case imap.FlaggedFlag:
			rec.Flagged = true
		case imap.DeletedFlag:
			rec.Deleted = true
		}
	}

	if msg.BodyStructure != nil {
		rec.HasAttachments = hasAttachments(msg.BodyStructure)
	}
	return rec
}

// hasAttachments walks a body structure looking for attachment dispositions.
func hasAttachments(bs *imap.BodyStructure) bool {
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for _, part := range bs.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

// FetchBody downloads and parses one full message.
func (s *Session) FetchBody(ctx context.Context, folder string, uid uint32) (*remote.BodyRecord, error) {
	const op = "imap.FetchBody"
	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		for _, literal := range msg.Body {
			raw = readLiteral(literal)
			if len(raw) > 0 {
				break
			}
		}
	}

	if err := <-done; err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to fetch body: %w", err))
	}
	if len(raw) == 0 {
		return nil, errkind.E(errkind.Transient, op, "empty body for uid %d in %q", uid, folder)
	}

	body := &remote.BodyRecord{Size: int64(len(raw))}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Keep the raw text rather than losing the message.
		s.logger.WithError(err).WithField("uid", uid).Debug("Failed to parse MIME, storing raw body")
		body.Text = string(raw)
		return body, nil
	}

	body.Text = env.Text
	body.HTML = env.HTML
	body.RawHeaders = headerBlock(raw)
	for _, att := range env.Attachments {
		body.Attachments = append(body.Attachments, remote.AttachmentRecord{
			Filename: att.FileName,
			MIMEType: att.ContentType,
			Size:     int64(len(att.Content)),
		})
	}
	for _, inl := range env.Inlines {
		if inl.FileName == "" {
			continue
		}
		body.Attachments = append(body.Attachments, remote.AttachmentRecord{
			Filename: inl.FileName,
			MIMEType: inl.ContentType,
			Size:     int64(len(inl.Content)),
			Inline:   true,
		})
	}
	return body, nil
}

// headerBlock returns the raw header portion of a message.
func headerBlock(raw []byte) string {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[:idx])
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return string(raw[:idx])
	}
	return ""
}

// readLiteral drains an IMAP literal into memory.
func readLiteral(literal imap.Literal) []byte {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, literal); err != nil {
		return nil
	}
	return buf.Bytes()
}

// SetFlags applies flag mutations to one message.
func (s *Session) SetFlags(ctx context.Context, folder string, uid uint32, flags remote.Flags) error {
	const op = "imap.SetFlags"
	if err := s.selectFolder(ctx, folder); err != nil {
		return err
	}

	apply := func(add bool, flag string) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if !add {
			item = imap.FormatFlagsOp(imap.RemoveFlags, true)
		}
		if err := s.cl.UidStore(seqSet, item, []interface{}{flag}, nil); err != nil {
			return errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to store flags: %w", err))
		}
		return nil
	}

	if flags.Seen != nil {
		if err := apply(*flags.Seen, imap.SeenFlag); err != nil {
			return err
		}
	}
	if flags.Flagged != nil {
		if err := apply(*flags.Flagged, imap.FlaggedFlag); err != nil {
			return err
		}
	}
	return nil
}

// Move relocates one message to another folder.
func (s *Session) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	const op = "imap.Move"
	if err := s.selectFolder(ctx, folder); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := s.cl.UidMove(seqSet, dest); err != nil {
		return errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to move message: %w", err))
	}
	return nil
}

// Delete removes one message. A permanent delete expunges immediately; a
// soft delete only sets the deleted flag.
func (s *Session) Delete(ctx context.Context, folder string, uid uint32, permanent bool) error {
	const op = "imap.Delete"
	if err := s.selectFolder(ctx, folder); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.cl.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to mark deleted: %w", err))
	}
	if permanent {
		if err := s.cl.Expunge(nil); err != nil {
			return errkind.Wrap(errkind.Transient, op, fmt.Errorf("failed to expunge: %w", err))
		}
	}
	return nil
}

// Close logs the session out.
func (s *Session) Close() error {
	if s.cl == nil {
		return nil
	}
	err := s.cl.Logout()
	s.cl = nil
	return err
}
