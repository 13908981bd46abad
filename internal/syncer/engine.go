// Package syncer implements the cursor-based synchronization engine. Each
// folder carries a monotonic identifier cursor; incremental passes only ask
// the remote for identifiers above it, full passes rebuild a bounded date
// window. At most one session runs per account at a time.
//
// Change detection hashes identity metadata only, so remote flag edits or
// deletions of already-synced messages are invisible to both incremental and
// full passes: they are repaired only when the message's content hash changes
// or when the flag is set through the local write-through path.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/errkind"
	"github.com/brandon/mailmirror/internal/remote"
	"github.com/brandon/mailmirror/internal/store"
	"github.com/brandon/mailmirror/pkg/types"
)

// ErrSyncRunning is returned when a sync is requested for an account that
// already has a session in flight.
var ErrSyncRunning = errkind.E(errkind.Busy, "syncer", "sync already running for this account")

// ContentHash computes the change-detection hash over the metadata fields
// that define a message's identity. Flags are deliberately excluded.
func ContentHash(messageID, subject, senderEmail string, date time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", messageID, subject, senderEmail, date.UTC().Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// Engine coordinates sync sessions across accounts.
type Engine struct {
	store    *store.Store
	dialer   remote.Dialer
	locks    *LockRegistry
	settings *config.SettingsHolder
	logger   *logrus.Logger
}

// NewEngine creates a sync engine.
func NewEngine(st *store.Store, dialer remote.Dialer, locks *LockRegistry, settings *config.SettingsHolder, logger *logrus.Logger) *Engine {
	return &Engine{
		store:    st,
		dialer:   dialer,
		locks:    locks,
		settings: settings,
		logger:   logger,
	}
}

// SyncAll syncs every account with bounded concurrency. Accounts are
// isolated: one account failing never aborts the others. Accounts already
// being synced are skipped.
func (e *Engine) SyncAll(ctx context.Context, full bool) error {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	settings := e.settings.Get()
	sem := semaphore.NewWeighted(int64(settings.MaxConcurrency))
	var wg sync.WaitGroup

	for i := range accounts {
		acc := accounts[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := e.SyncAccount(ctx, &acc, full); err != nil {
				if errkind.KindOf(err) == errkind.Busy {
					e.logger.WithField("account", acc.Name).Debug("Sync already in progress, skipping")
					return
				}
				e.logger.WithError(err).WithField("account", acc.Name).Error("Account sync failed")
			}
		}()
	}

	wg.Wait()
	return nil
}

// SyncAccount runs one session for the account, failing fast with
// ErrSyncRunning when one is already in flight.
func (e *Engine) SyncAccount(ctx context.Context, acc *types.Account, full bool) error {
	if !e.locks.TryLock(acc.ID) {
		return ErrSyncRunning
	}
	defer e.locks.Unlock(acc.ID)
	return e.syncAccountLocked(ctx, acc, full)
}

// ForceSync runs one session for the account, waiting briefly for a running
// session to finish before giving up.
func (e *Engine) ForceSync(ctx context.Context, acc *types.Account, full bool) error {
	if !e.locks.LockWithTimeout(acc.ID, e.settings.Get().ForceLockWait) {
		return ErrSyncRunning
	}
	defer e.locks.Unlock(acc.ID)
	return e.syncAccountLocked(ctx, acc, full)
}

// QuickSync runs a small, tightly bounded incremental pass used by query
// paths to refresh a stale cache before serving. It syncs only the folders
// already known locally and caps the per-folder batch.
func (e *Engine) QuickSync(ctx context.Context, acc *types.Account) error {
	if !e.locks.TryLock(acc.ID) {
		return ErrSyncRunning
	}
	defer e.locks.Unlock(acc.ID)

	settings := e.settings.Get()
	ctx, cancel := context.WithTimeout(ctx, settings.QuickSyncTimeout)
	defer cancel()

	client, err := e.dialer.Dial(ctx, acc.Name)
	if err != nil {
		return err
	}
	defer client.Close()

	folders, err := e.store.ListFolders(ctx, &acc.ID)
	if err != nil {
		return err
	}

	run := &types.SyncRun{
		AccountID: acc.ID,
		Type:      types.SyncRunIncremental,
		StartedAt: time.Now(),
	}

	for i := range folders {
		folder := &folders[i]
		uids, err := client.SearchSince(ctx, folder.Name, folder.LastUID)
		if err != nil {
			return err
		}
		if len(uids) > settings.QuickSyncBatch {
			uids = uids[:settings.QuickSyncBatch]
		}
		added, updated, err := e.applyBatch(ctx, client, acc, folder, uids)
		if err != nil {
			return err
		}
		if added > 0 || updated > 0 {
			if err := e.store.RefreshFolderCounts(ctx, folder.ID); err != nil {
				return err
			}
		}
		run.Added += added
		run.Updated += updated
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Status = types.SyncStatusCompleted
	if err := e.store.RecordSyncRun(ctx, run); err != nil {
		return err
	}
	return e.finishAccount(ctx, acc.ID)
}

// syncAccountLocked runs one full session. The caller holds the account lock.
func (e *Engine) syncAccountLocked(ctx context.Context, acc *types.Account, full bool) error {
	settings := e.settings.Get()
	ctx, cancel := context.WithTimeout(ctx, settings.SessionTimeout)
	defer cancel()

	log := e.logger.WithFields(logrus.Fields{
		"account": acc.Name,
		"full":    full,
	})
	log.Info("Starting sync")

	if err := e.store.SetAccountSyncState(ctx, acc.ID, types.SyncStatusRunning, 0); err != nil {
		return err
	}

	client, err := e.dialer.Dial(ctx, acc.Name)
	if err != nil {
		e.recordFailure(acc.ID, full, err)
		return err
	}
	defer client.Close()

	remoteFolders, err := client.ListFolders(ctx)
	if err != nil {
		e.recordFailure(acc.ID, full, err)
		return err
	}

	var sessionErr error
	var totalAdded, totalUpdated int
	for _, rf := range remoteFolders {
		folderID, err := e.store.UpsertFolder(ctx, acc.ID, rf.Name, rf.Name)
		if err != nil {
			sessionErr = err
			break
		}
		folder, err := e.store.GetFolderByID(ctx, folderID)
		if err != nil {
			sessionErr = err
			break
		}

		added, updated, err := e.syncFolder(ctx, client, acc, folder, full, settings)
		totalAdded += added
		totalUpdated += updated
		if err != nil {
			log.WithError(err).WithField("folder", folder.Name).Error("Folder sync failed")
			sessionErr = err
			break
		}
	}

	if sessionErr != nil {
		// Folder-level runs were already recorded; only flip the account.
		e.markFailed(acc.ID)
		return sessionErr
	}

	if full {
		if n, err := e.store.PruneMessages(ctx, acc.ID, settings.RetentionDays); err != nil {
			log.WithError(err).Warn("Retention pruning failed")
		} else if n > 0 {
			if folders, err := e.store.ListFolders(ctx, &acc.ID); err == nil {
				for i := range folders {
					if err := e.store.RefreshFolderCounts(ctx, folders[i].ID); err != nil {
						log.WithError(err).Warn("Failed to refresh folder counts after pruning")
					}
				}
			}
		}
	}

	if err := e.finishAccount(ctx, acc.ID); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"added":   totalAdded,
		"updated": totalUpdated,
	}).Info("Sync completed")
	return nil
}

// syncFolder brings one folder up to date. The cursor advances after each
// committed batch, so an interrupted session resumes where it stopped
// instead of refetching.
func (e *Engine) syncFolder(ctx context.Context, client remote.Client, acc *types.Account, folder *types.Folder, full bool, settings config.SyncSettings) (int, int, error) {
	run := &types.SyncRun{
		AccountID: acc.ID,
		FolderID:  &folder.ID,
		Type:      types.SyncRunIncremental,
		StartedAt: time.Now(),
	}

	var uids []uint32
	var err error
	if full {
		run.Type = types.SyncRunFull
		oldest := time.Now().AddDate(0, 0, -settings.FullSyncLookbackDays)
		uids, err = client.SearchWindow(ctx, folder.Name, oldest)
	} else {
		uids, err = client.SearchSince(ctx, folder.Name, folder.LastUID)
	}
	if err != nil {
		e.recordFolderFailure(run, err)
		return 0, 0, err
	}

	for start := 0; start < len(uids); start += settings.BatchSize {
		if err := ctx.Err(); err != nil {
			wrapped := errkind.Wrap(errkind.Transient, "syncer", err)
			e.recordFolderFailure(run, wrapped)
			return run.Added, run.Updated, wrapped
		}

		end := start + settings.BatchSize
		if end > len(uids) {
			end = len(uids)
		}

		added, updated, err := e.applyBatch(ctx, client, acc, folder, uids[start:end])
		run.Added += added
		run.Updated += updated
		if err != nil {
			e.recordFolderFailure(run, err)
			return run.Added, run.Updated, err
		}
	}

	if err := e.store.RefreshFolderCounts(ctx, folder.ID); err != nil {
		e.recordFolderFailure(run, err)
		return run.Added, run.Updated, err
	}

	// Zero-delta passes are recorded too: the history shows the folder was
	// checked, and last_synced_at moves forward.
	if len(uids) == 0 {
		if err := e.store.UpdateFolderCursor(ctx, folder.ID, folder.LastUID); err != nil {
			e.recordFolderFailure(run, err)
			return 0, 0, err
		}
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Status = types.SyncStatusCompleted
	if err := e.store.RecordSyncRun(ctx, run); err != nil {
		return run.Added, run.Updated, err
	}
	return run.Added, run.Updated, nil
}

// applyBatch fetches one batch of identifiers and upserts them. The cursor
// advances only after every message in the batch is stored.
func (e *Engine) applyBatch(ctx context.Context, client remote.Client, acc *types.Account, folder *types.Folder, uids []uint32) (int, int, error) {
	if len(uids) == 0 {
		return 0, 0, nil
	}

	records, err := client.FetchBatch(ctx, folder.Name, uids)
	if err != nil {
		return 0, 0, err
	}

	var added, updated int
	var maxUID uint32
	for i := range records {
		rec := &records[i]
		if rec.UID == 0 || rec.Date.IsZero() {
			e.logger.WithFields(logrus.Fields{
				"account": acc.Name,
				"folder":  folder.Name,
				"uid":     rec.UID,
			}).Warn("Skipping malformed remote record")
			continue
		}

		msg := &types.Message{
			AccountID:      acc.ID,
			FolderID:       folder.ID,
			UID:            rec.UID,
			MessageID:      rec.MessageID,
			Subject:        rec.Subject,
			SenderName:     rec.SenderName,
			SenderEmail:    rec.SenderEmail,
			Recipients:     rec.Recipients,
			Date:           rec.Date,
			Size:           rec.Size,
			IsRead:         rec.Seen,
			IsFlagged:      rec.Flagged,
			HasAttachments: rec.HasAttachments,
			ContentHash:    ContentHash(rec.MessageID, rec.Subject, rec.SenderEmail, rec.Date),
		}

		id, outcome, err := e.store.UpsertMessage(ctx, msg)
		if err != nil {
			return added, updated, err
		}
		switch outcome {
		case store.OutcomeInserted:
			added++
		case store.OutcomeUpdated:
			updated++
		}
		if rec.Deleted && outcome != store.OutcomeUnchanged {
			if err := e.store.SetMessageDeleted(ctx, id, true); err != nil {
				return added, updated, err
			}
		}
		if rec.UID > maxUID {
			maxUID = rec.UID
		}
	}

	if maxUID > 0 {
		if err := e.store.UpdateFolderCursor(ctx, folder.ID, maxUID); err != nil {
			return added, updated, err
		}
	}
	return added, updated, nil
}

// finishAccount marks an account completed with the recomputed total.
func (e *Engine) finishAccount(ctx context.Context, accountID int64) error {
	folders, err := e.store.ListFolders(ctx, &accountID)
	if err != nil {
		return err
	}
	total := 0
	for i := range folders {
		total += folders[i].MessageCount
	}
	return e.store.SetAccountSyncState(ctx, accountID, types.SyncStatusCompleted, total)
}

// recordFailure marks the account failed and appends a failed run. The
// folder cursors stay where the last committed batch left them. A fresh
// background context is used so recording survives session timeout.
func (e *Engine) recordFailure(accountID int64, full bool, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runType := types.SyncRunIncremental
	if full {
		runType = types.SyncRunFull
	}
	now := time.Now()
	run := &types.SyncRun{
		AccountID:   accountID,
		Type:        runType,
		StartedAt:   now,
		CompletedAt: &now,
		Status:      types.SyncStatusFailed,
		Error:       cause.Error(),
	}
	if err := e.store.RecordSyncRun(ctx, run); err != nil {
		e.logger.WithError(err).Error("Failed to record failed sync run")
	}
	e.markFailed(accountID)
}

// markFailed flips the account status to failed without touching cursors or
// the run history.
func (e *Engine) markFailed(accountID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SetAccountSyncState(ctx, accountID, types.SyncStatusFailed, 0); err != nil {
		e.logger.WithError(err).Error("Failed to mark account sync failed")
	}
}

// recordFolderFailure finalizes a folder run as failed.
func (e *Engine) recordFolderFailure(run *types.SyncRun, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	run.CompletedAt = &now
	run.Status = types.SyncStatusFailed
	run.Error = cause.Error()
	if err := e.store.RecordSyncRun(ctx, run); err != nil {
		e.logger.WithError(err).Error("Failed to record failed sync run")
	}
}
