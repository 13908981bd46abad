// Package scheduler runs the periodic background syncs. Incremental passes
// run every few minutes, a bounded full pass runs every few hours; a skipped
// tick is skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/errkind"
	"github.com/brandon/mailmirror/internal/store"
	"github.com/brandon/mailmirror/internal/syncer"
	"github.com/brandon/mailmirror/pkg/types"
)

// Status is a point-in-time snapshot of the scheduler and every account's
// sync state.
type Status struct {
	Running         bool                      `json:"running"`
	NextIncremental *time.Time                `json:"next_incremental,omitempty"`
	NextFull        *time.Time                `json:"next_full,omitempty"`
	PrevIncremental *time.Time                `json:"prev_incremental,omitempty"`
	Accounts        []types.AccountSyncStatus `json:"accounts"`
}

// Scheduler owns the cron jobs driving the sync engine.
type Scheduler struct {
	engine   *syncer.Engine
	store    *store.Store
	lease    Lease
	settings *config.SettingsHolder
	logger   *logrus.Logger

	mu          sync.Mutex
	cron        *cron.Cron
	incremental cron.EntryID
	full        cron.EntryID
	runCtx      context.Context
	cancel      context.CancelFunc
}

// New creates a scheduler.
func New(engine *syncer.Engine, st *store.Store, lease Lease, settings *config.SettingsHolder, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		store:    st,
		lease:    lease,
		settings: settings,
		logger:   logger,
	}
}

// Start acquires the lease and schedules the periodic jobs. Returns true if
// this call started the scheduler; a second Start on a running scheduler is
// a no-op returning false.
func (s *Scheduler) Start() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return false, nil
	}

	if err := s.lease.Acquire(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx = ctx
	s.cancel = cancel

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	settings := s.settings.Get()
	incID, err := c.AddFunc(fmt.Sprintf("@every %dm", settings.IntervalMinutes), func() {
		if err := s.engine.SyncAll(ctx, false); err != nil {
			s.logger.WithError(err).Error("Incremental sync pass failed")
		}
	})
	if err != nil {
		cancel()
		s.lease.Release() //nolint:errcheck
		return false, errkind.Wrap(errkind.Fatal, "scheduler", err)
	}
	fullID, err := c.AddFunc(fmt.Sprintf("@every %dh", settings.FullSyncHours), func() {
		if err := s.engine.SyncAll(ctx, true); err != nil {
			s.logger.WithError(err).Error("Full sync pass failed")
		}
	})
	if err != nil {
		cancel()
		s.lease.Release() //nolint:errcheck
		return false, errkind.Wrap(errkind.Fatal, "scheduler", err)
	}

	c.Start()
	s.cron = c
	s.incremental = incID
	s.full = fullID

	s.logger.WithFields(logrus.Fields{
		"interval_minutes": settings.IntervalMinutes,
		"full_sync_hours":  settings.FullSyncHours,
	}).Info("Scheduler started")
	return true, nil
}

// Stop cancels the run context, halts the jobs, waits for in-flight passes
// to wind down, and releases the lease. Safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	// Cancel first: a running pass observes it at its next batch boundary
	// and records a failed run with the cursor intact, instead of being
	// waited out for the rest of its session.
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil

	if err := s.lease.Release(); err != nil {
		s.logger.WithError(err).Warn("Failed to release scheduler lease")
	}
	s.logger.Info("Scheduler stopped")
}

// ForceSyncNow triggers an immediate sync outside the schedule: all accounts
// when accountID is nil, otherwise just that account. A sync already running
// for the account surfaces as a Busy error after a short wait.
func (s *Scheduler) ForceSyncNow(ctx context.Context, accountID *int64, full bool) error {
	if accountID == nil {
		return s.engine.SyncAll(ctx, full)
	}
	acc, err := s.store.GetAccountByID(ctx, *accountID)
	if err != nil {
		return err
	}
	return s.engine.ForceSync(ctx, acc, full)
}

// Status reports the scheduler and per-account sync state.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	accounts, err := s.store.GetSyncStatus(ctx, nil)
	if err != nil {
		return nil, err
	}

	st := &Status{Accounts: accounts}

	s.mu.Lock()
	if s.cron != nil {
		st.Running = true
		inc := s.cron.Entry(s.incremental)
		if !inc.Next.IsZero() {
			st.NextIncremental = &inc.Next
		}
		if !inc.Prev.IsZero() {
			st.PrevIncremental = &inc.Prev
		}
		full := s.cron.Entry(s.full)
		if !full.Next.IsZero() {
			st.NextFull = &full.Next
		}
	}
	s.mu.Unlock()

	return st, nil
}

// UpdateSettings validates and applies new sync settings at runtime,
// rescheduling the jobs to the new intervals. Invalid settings are rejected
// whole; the running configuration is untouched.
func (s *Scheduler) UpdateSettings(settings config.SyncSettings) error {
	if err := s.settings.Set(settings); err != nil {
		return err
	}

	s.mu.Lock()
	running := s.cron != nil
	s.mu.Unlock()
	if !running {
		return nil
	}

	// Restart the jobs on the new cadence.
	s.Stop()
	if _, err := s.Start(); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"interval_minutes": settings.IntervalMinutes,
		"full_sync_hours":  settings.FullSyncHours,
	}).Info("Sync settings updated")
	return nil
}
