package hybrid

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/remote"
	"github.com/brandon/mailmirror/internal/store"
	"github.com/brandon/mailmirror/internal/syncer"
	"github.com/brandon/mailmirror/pkg/types"
)

// fakeRefresher counts quick syncs and stamps the account fresh on success.
type fakeRefresher struct {
	store *store.Store
	calls int
	err   error
}

func (f *fakeRefresher) QuickSync(ctx context.Context, acc *types.Account) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.store.SetAccountSyncState(ctx, acc.ID, types.SyncStatusCompleted, 0)
}

// fakeRemote is a scripted remote session for mutation tests.
type fakeRemote struct {
	dialErr  error
	opErr    error
	setFlags int
	moves    int
	deletes  int
	bodies   int
}

func (f *fakeRemote) Dial(ctx context.Context, account string) (remote.Client, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f, nil
}

func (f *fakeRemote) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) { return nil, nil }
func (f *fakeRemote) SearchSince(ctx context.Context, folder string, sinceUID uint32) ([]uint32, error) {
	return nil, nil
}
func (f *fakeRemote) SearchWindow(ctx context.Context, folder string, oldest time.Time) ([]uint32, error) {
	return nil, nil
}
func (f *fakeRemote) FetchBatch(ctx context.Context, folder string, uids []uint32) ([]remote.MessageRecord, error) {
	return nil, nil
}
func (f *fakeRemote) FetchBody(ctx context.Context, folder string, uid uint32) (*remote.BodyRecord, error) {
	if f.opErr != nil {
		return nil, f.opErr
	}
	f.bodies++
	return &remote.BodyRecord{
		Text: "fetched body",
		HTML: "<p>fetched body</p>",
		Size: 12,
		Attachments: []remote.AttachmentRecord{
			{Filename: "doc.pdf", MIMEType: "application/pdf", Size: 99},
		},
	}, nil
}
func (f *fakeRemote) SetFlags(ctx context.Context, folder string, uid uint32, flags remote.Flags) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.setFlags++
	return nil
}
func (f *fakeRemote) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.moves++
	return nil
}
func (f *fakeRemote) Delete(ctx context.Context, folder string, uid uint32, permanent bool) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.deletes++
	return nil
}
func (f *fakeRemote) Close() error { return nil }

func hybridSettings() config.SyncSettings {
	return config.SyncSettings{
		IntervalMinutes:      5,
		FullSyncHours:        24,
		MaxConcurrency:       4,
		BatchSize:            100,
		QuickSyncBatch:       25,
		FreshnessSeconds:     300,
		FullSyncLookbackDays: 90,
		QuickSyncTimeout:     5 * time.Second,
		SessionTimeout:       time.Minute,
		ForceLockWait:        100 * time.Millisecond,
	}
}

type env struct {
	manager   *Manager
	store     *store.Store
	refresher *fakeRefresher
	remote    *fakeRemote
	accID     int64
	folderID  int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool, err := store.NewPool(store.PoolConfig{
		Path:           filepath.Join(t.TempDir(), "hybrid.db"),
		Size:           2,
		AcquireTimeout: 2 * time.Second,
		BusyTimeout:    2 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st := store.NewStore(pool, logger)
	ctx := context.Background()

	accID, err := st.UpsertAccount(ctx, &types.Account{Name: "work", Address: "w@example.com"})
	require.NoError(t, err)
	folderID, err := st.UpsertFolder(ctx, accID, "INBOX", "Inbox")
	require.NoError(t, err)

	refresher := &fakeRefresher{store: st}
	rmt := &fakeRemote{}

	manager, err := NewManager(st, refresher, rmt, config.NewSettingsHolder(hybridSettings()), logger)
	require.NoError(t, err)

	return &env{
		manager:   manager,
		store:     st,
		refresher: refresher,
		remote:    rmt,
		accID:     accID,
		folderID:  folderID,
	}
}

func (e *env) seedMessage(t *testing.T, uid uint32) int64 {
	t.Helper()
	id, _, err := e.store.UpsertMessage(context.Background(), &types.Message{
		AccountID:   e.accID,
		FolderID:    e.folderID,
		UID:         uid,
		MessageID:   "<m@example.com>",
		Subject:     "Hello",
		SenderEmail: "a@example.com",
		Date:        time.Now().Add(-time.Hour),
		ContentHash: "h",
	})
	require.NoError(t, err)
	return id
}

func (e *env) markSynced(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.SetAccountSyncState(context.Background(), e.accID, types.SyncStatusCompleted, 1))
}

func TestListMessages_NoBaselineTriggersRefresh(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)

	page, err := e.manager.ListMessages(context.Background(), types.MessageFilter{AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.refresher.calls, "never-synced account must be refreshed before serving")
	assert.False(t, page.Freshness.Stale)
	assert.Len(t, page.Messages, 1)
}

func TestListMessages_FreshCacheSkipsRefresh(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)
	e.markSynced(t)

	_, err := e.manager.ListMessages(context.Background(), types.MessageFilter{AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, e.refresher.calls, "a fresh cache must be served without a remote round trip")
}

func TestListMessages_ForceFresh(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)
	e.markSynced(t)

	_, err := e.manager.ListMessages(context.Background(), types.MessageFilter{AccountID: &e.accID, Limit: 10}, Options{ForceFresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, e.refresher.calls)
}

func TestFreshness_AgedBaseline(t *testing.T) {
	e := newEnv(t)

	// Threshold is 300s: one minute inside it is fresh, ten minutes past
	// it is stale without losing the baseline.
	recent := time.Now().Add(-time.Minute)
	f := e.manager.freshness(&types.Account{LastSyncAt: &recent})
	assert.False(t, f.Stale, "a baseline inside the threshold is fresh")

	aged := time.Now().Add(-10 * time.Minute)
	f = e.manager.freshness(&types.Account{LastSyncAt: &aged})
	assert.True(t, f.Stale, "a baseline older than the threshold is stale")
	assert.False(t, f.NoBaseline, "an aged baseline is still a baseline")
}

func TestListMessages_AgedBaselineTriggersRefresh(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)
	e.markSynced(t)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// A one-second threshold lets the baseline age out within the test.
	settings := hybridSettings()
	settings.FreshnessSeconds = 1
	manager, err := NewManager(e.store, e.refresher, e.remote, config.NewSettingsHolder(settings), logger)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	page, err := manager.ListMessages(context.Background(), types.MessageFilter{AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.refresher.calls, "a baseline past the threshold must be refreshed before serving")
	assert.False(t, page.Freshness.Stale, "the page reflects the replica after the refresh")
	assert.Len(t, page.Messages, 1)
}

func TestListMessages_RefreshFailureDegradesToAnnotatedCache(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)
	e.refresher.err = errors.New("network down")

	page, err := e.manager.ListMessages(context.Background(), types.MessageFilter{AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err, "read paths never fail just because the remote is unreachable")
	assert.True(t, page.Freshness.Stale)
	assert.NotEmpty(t, page.Freshness.Reason)
	assert.Len(t, page.Messages, 1)
}

func TestListMessages_SyncRunningServesCache(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)
	e.refresher.err = syncer.ErrSyncRunning

	page, err := e.manager.ListMessages(context.Background(), types.MessageFilter{AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.True(t, page.Freshness.Stale)
	assert.Contains(t, page.Freshness.Reason, "in progress")
}

func TestSearchMessages_EmptyResultRetriesOnceAfterRefresh(t *testing.T) {
	e := newEnv(t)
	e.markSynced(t)

	_, err := e.manager.SearchMessages(context.Background(), types.SearchQuery{Text: "zanzibar", AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.refresher.calls, "an empty result for a substantial query triggers one refresh")

	// A trivial query must not.
	e.refresher.calls = 0
	_, err = e.manager.SearchMessages(context.Background(), types.SearchQuery{Text: "ab", AccountID: &e.accID, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, e.refresher.calls)
}

func TestSearchMessages_RecencyImpliesRefresh(t *testing.T) {
	e := newEnv(t)
	e.seedMessage(t, 1)
	e.markSynced(t)

	from := time.Now().Add(-24 * time.Hour)
	_, err := e.manager.SearchMessages(context.Background(), types.SearchQuery{AccountID: &e.accID, DateFrom: &from, Limit: 10}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.refresher.calls, "a range reaching into the present must refresh first")
}

func TestGetMessageContent_OnDemandFetchAndCache(t *testing.T) {
	e := newEnv(t)
	id := e.seedMessage(t, 1)
	ctx := context.Background()

	content, err := e.manager.GetMessageContent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fetched body", content.BodyText)
	assert.Equal(t, 1, e.remote.bodies)

	// Persisted locally, including attachment metadata.
	stored, err := e.store.GetContent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fetched body", stored.BodyText)
	atts, err := e.store.GetAttachments(ctx, id)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "doc.pdf", atts[0].Filename)

	// Second read is served without another remote fetch.
	_, err = e.manager.GetMessageContent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.remote.bodies)
}

func TestMarkRead_RemoteFirst(t *testing.T) {
	e := newEnv(t)
	id := e.seedMessage(t, 1)
	ctx := context.Background()

	// Remote rejection leaves the local row untouched.
	e.remote.opErr = errors.New("flag update rejected")
	err := e.manager.MarkRead(ctx, id, true)
	require.Error(t, err)
	msg, err := e.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.False(t, msg.IsRead, "local state must not change when the remote refused")

	e.remote.opErr = nil
	require.NoError(t, e.manager.MarkRead(ctx, id, true))
	msg, err = e.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
	assert.Equal(t, 1, e.remote.setFlags)
}

func TestMove_RejectsCrossAccountDestination(t *testing.T) {
	e := newEnv(t)
	id := e.seedMessage(t, 1)
	ctx := context.Background()

	otherAcc, err := e.store.UpsertAccount(ctx, &types.Account{Name: "other", Address: "o@example.com"})
	require.NoError(t, err)
	foreignFolder, err := e.store.UpsertFolder(ctx, otherAcc, "INBOX", "Inbox")
	require.NoError(t, err)

	err = e.manager.Move(ctx, id, foreignFolder)
	require.Error(t, err)
	assert.Equal(t, 0, e.remote.moves, "validation failures must never reach the remote")
}

func TestMove_UpdatesLocalAfterRemoteSuccess(t *testing.T) {
	e := newEnv(t)
	id := e.seedMessage(t, 1)
	ctx := context.Background()

	dest, err := e.store.UpsertFolder(ctx, e.accID, "Archive", "Archive")
	require.NoError(t, err)

	require.NoError(t, e.manager.Move(ctx, id, dest))
	assert.Equal(t, 1, e.remote.moves)

	msg, err := e.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dest, msg.FolderID)
}

func TestDelete_SoftKeepsTombstone(t *testing.T) {
	e := newEnv(t)
	id := e.seedMessage(t, 1)
	ctx := context.Background()

	require.NoError(t, e.manager.Delete(ctx, id, false))
	assert.Equal(t, 1, e.remote.deletes)

	msg, err := e.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.IsDeleted, "soft delete keeps the row as a tombstone")

	require.NoError(t, e.manager.Delete(ctx, id, true))
	_, err = e.store.GetMessage(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
