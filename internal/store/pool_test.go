package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/errkind"
)

func newTestPool(t *testing.T, size int, acquireTimeout time.Duration) *Pool {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool, err := NewPool(PoolConfig{
		Path:           filepath.Join(t.TempDir(), "pool.db"),
		Size:           size,
		AcquireTimeout: acquireTimeout,
		BusyTimeout:    time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPool_RejectsInvalidSize(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewPool(PoolConfig{Path: filepath.Join(t.TempDir(), "x.db"), Size: 0}, logger)
	if errkind.KindOf(err) != errkind.Validation {
		t.Errorf("kind = %v, want Validation", errkind.KindOf(err))
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	pool := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	h1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	h2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() second error: %v", err)
	}
	if h1 == h2 {
		t.Error("pool handed out the same handle twice")
	}
	pool.Release(h1)
	pool.Release(h2)
}

func TestPool_ExhaustionTimesOut(t *testing.T) {
	pool := newTestPool(t, 1, 100*time.Millisecond)
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer pool.Release(h)

	start := time.Now()
	_, err = pool.Acquire(ctx)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("error = %v, want ErrPoolExhausted", err)
	}
	if errkind.KindOf(err) != errkind.Busy {
		t.Errorf("kind = %v, want Busy", errkind.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Acquire returned after %v, want it to wait out the timeout", elapsed)
	}
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	pool := newTestPool(t, 1, 5*time.Second)

	h, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer pool.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	if err == nil {
		t.Fatal("Acquire() succeeded with an exhausted pool and cancelled context")
	}
	if errkind.KindOf(err) != errkind.Busy {
		t.Errorf("kind = %v, want Busy", errkind.KindOf(err))
	}
}

func TestPool_ReleaseRollsBackDanglingTransaction(t *testing.T) {
	pool := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	tx, err := h.Begin()
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if _, err := tx.Exec("INSERT INTO accounts (name, address) VALUES ('ghost', 'g@example.com')"); err != nil {
		t.Fatalf("insert error: %v", err)
	}

	// Returned without commit: the pool must roll back.
	pool.Release(h)

	h, err = pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	defer pool.Release(h)

	var count int
	if err := h.DB().Get(&count, "SELECT COUNT(*) FROM accounts WHERE name = 'ghost'"); err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 0 {
		t.Errorf("uncommitted insert survived release, count = %d", count)
	}
}

func TestHandle_SecondBeginFails(t *testing.T) {
	pool := newTestPool(t, 1, time.Second)

	h, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer pool.Release(h)

	if _, err := h.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if _, err := h.Begin(); errkind.KindOf(err) != errkind.Busy {
		t.Errorf("second Begin kind = %v, want Busy", errkind.KindOf(err))
	}
	if err := h.Rollback(); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
}
