package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/errkind"
	"github.com/brandon/mailmirror/internal/remote"
	"github.com/brandon/mailmirror/internal/store"
	"github.com/brandon/mailmirror/internal/syncer"
	"github.com/brandon/mailmirror/pkg/types"
)

// slowDialer is a remote stub whose sessions take a while to open, long
// enough for a second caller to collide with the first.
type slowDialer struct {
	delay time.Duration
	dials int32
}

func (d *slowDialer) Dial(ctx context.Context, account string) (remote.Client, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return emptySession{}, nil
}

// emptySession is a remote session with no folders: every sync completes
// immediately after the dial.
type emptySession struct{}

func (emptySession) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) { return nil, nil }
func (emptySession) SearchSince(ctx context.Context, folder string, sinceUID uint32) ([]uint32, error) {
	return nil, nil
}
func (emptySession) SearchWindow(ctx context.Context, folder string, oldest time.Time) ([]uint32, error) {
	return nil, nil
}
func (emptySession) FetchBatch(ctx context.Context, folder string, uids []uint32) ([]remote.MessageRecord, error) {
	return nil, nil
}
func (emptySession) FetchBody(ctx context.Context, folder string, uid uint32) (*remote.BodyRecord, error) {
	return nil, nil
}
func (emptySession) SetFlags(ctx context.Context, folder string, uid uint32, flags remote.Flags) error {
	return nil
}
func (emptySession) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	return nil
}
func (emptySession) Delete(ctx context.Context, folder string, uid uint32, permanent bool) error {
	return nil
}
func (emptySession) Close() error { return nil }

// blockingDialer hands out sessions that stall inside SearchSince until the
// context is cancelled, standing in for a remote that stops responding
// mid-pass.
type blockingDialer struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{started: make(chan struct{})}
}

func (d *blockingDialer) Dial(ctx context.Context, account string) (remote.Client, error) {
	return &blockingSession{d: d}, nil
}

type blockingSession struct {
	emptySession
	d *blockingDialer
}

func (s *blockingSession) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) {
	return []remote.FolderInfo{{Name: "INBOX"}}, nil
}

func (s *blockingSession) SearchSince(ctx context.Context, folder string, sinceUID uint32) ([]uint32, error) {
	s.d.once.Do(func() { close(s.d.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, nil
	}
}

func schedulerSettings() config.SyncSettings {
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
	sched  *Scheduler
	store  *store.Store
	dialer *slowDialer
	accID  int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool, err := store.NewPool(store.PoolConfig{
		Path:           filepath.Join(t.TempDir(), "sched.db"),
		Size:           2,
		AcquireTimeout: 2 * time.Second,
		BusyTimeout:    2 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st := store.NewStore(pool, logger)
	accID, err := st.UpsertAccount(context.Background(), &types.Account{Name: "work", Address: "w@example.com"})
	require.NoError(t, err)

	dialer := &slowDialer{}
	holder := config.NewSettingsHolder(schedulerSettings())
	engine := syncer.NewEngine(st, dialer, syncer.NewLockRegistry([]int64{accID}), holder, logger)
	sched := New(engine, st, NopLease{}, holder, logger)
	t.Cleanup(sched.Stop)

	return &env{sched: sched, store: st, dialer: dialer, accID: accID}
}

func TestScheduler_StartIdempotent(t *testing.T) {
	e := newEnv(t)

	started, err := e.sched.Start()
	require.NoError(t, err)
	assert.True(t, started)

	started, err = e.sched.Start()
	require.NoError(t, err)
	assert.False(t, started, "second Start on a running scheduler is a no-op")

	e.sched.Stop()
	e.sched.Stop() // safe on a stopped scheduler

	started, err = e.sched.Start()
	require.NoError(t, err)
	assert.True(t, started, "scheduler restarts after a clean stop")
}

type deniedLease struct{}

func (deniedLease) Acquire() error {
	return errkind.E(errkind.Conflict, "scheduler.lease", "held elsewhere")
}
func (deniedLease) Release() error { return nil }

func TestScheduler_LeaseConflictBlocksStart(t *testing.T) {
	e := newEnv(t)
	e.sched.lease = deniedLease{}

	started, err := e.sched.Start()
	require.Error(t, err)
	assert.False(t, started)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))

	status, err := e.sched.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestForceSyncNow_ConcurrentCallsOneWins(t *testing.T) {
	e := newEnv(t)
	e.dialer.delay = 400 * time.Millisecond
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- e.sched.ForceSyncNow(ctx, &e.accID, false)
		}()
	}

	var busy, ok int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, syncer.ErrSyncRunning):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy, "the second force sync gives up after the short wait")
	assert.Equal(t, int32(1), atomic.LoadInt32(&e.dialer.dials), "only one session dialed")
}

func TestForceSyncNow_AllAccounts(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.sched.ForceSyncNow(context.Background(), nil, false))

	acc, err := e.store.GetAccountByID(context.Background(), e.accID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusCompleted, acc.SyncStatus)
}

func TestScheduler_Status(t *testing.T) {
	e := newEnv(t)

	status, err := e.sched.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Running)
	require.Len(t, status.Accounts, 1)
	assert.Equal(t, "work", status.Accounts[0].Account.Name)

	_, err = e.sched.Start()
	require.NoError(t, err)

	status, err = e.sched.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	require.NotNil(t, status.NextIncremental)
	assert.True(t, status.NextIncremental.After(time.Now()))
	require.NotNil(t, status.NextFull)
}

func TestScheduler_StopCancelsInFlightPass(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool, err := store.NewPool(store.PoolConfig{
		Path:           filepath.Join(t.TempDir(), "stop.db"),
		Size:           2,
		AcquireTimeout: 2 * time.Second,
		BusyTimeout:    2 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st := store.NewStore(pool, logger)
	accID, err := st.UpsertAccount(context.Background(), &types.Account{Name: "work", Address: "w@example.com"})
	require.NoError(t, err)

	dialer := newBlockingDialer()
	holder := config.NewSettingsHolder(schedulerSettings())
	engine := syncer.NewEngine(st, dialer, syncer.NewLockRegistry([]int64{accID}), holder, logger)
	sched := New(engine, st, NopLease{}, holder, logger)
	t.Cleanup(sched.Stop)

	_, err = sched.Start()
	require.NoError(t, err)

	// Attach a fast tick to the live cron so a tracked pass is in flight
	// while the scheduled ones are still minutes away; the job body mirrors
	// the scheduled ones.
	runCtx := sched.runCtx
	_, err = sched.cron.AddFunc("@every 10ms", func() {
		if err := engine.SyncAll(runCtx, false); err != nil {
			logger.WithError(err).Error("Incremental sync pass failed")
		}
	})
	require.NoError(t, err)

	select {
	case <-dialer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled pass never reached the remote")
	}

	start := time.Now()
	sched.Stop()
	assert.Less(t, time.Since(start), 3*time.Second,
		"Stop aborts the in-flight pass via cancellation instead of waiting out the session")

	// The aborted pass is recorded as a failure with the cursor untouched.
	acc, err := st.GetAccountByID(context.Background(), accID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusFailed, acc.SyncStatus)

	folders, err := st.ListFolders(context.Background(), &accID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, uint32(0), folders[0].LastUID)
}

func TestScheduler_UpdateSettings(t *testing.T) {
	e := newEnv(t)
	_, err := e.sched.Start()
	require.NoError(t, err)

	bad := schedulerSettings()
	bad.IntervalMinutes = 0
	err = e.sched.UpdateSettings(bad)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))

	status, err := e.sched.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running, "a rejected update leaves the scheduler running")

	good := schedulerSettings()
	good.IntervalMinutes = 1
	require.NoError(t, e.sched.UpdateSettings(good))

	status, err = e.sched.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	require.NotNil(t, status.NextIncremental)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *status.NextIncremental, 10*time.Second,
		"the next tick follows the new cadence")
}
