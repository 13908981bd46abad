package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/errkind"
)

// ErrPoolExhausted is returned when no handle becomes available within the
// pool's acquire timeout.
var ErrPoolExhausted = errkind.E(errkind.Busy, "store.pool", "no store handle available within timeout")

// PoolConfig carries the equal configuration shared by every handle.
type PoolConfig struct {
	Path            string
	Size            int
	AcquireTimeout  time.Duration
	BusyTimeout     time.Duration
	CheckpointBytes int64
}

// Pool is a fixed-size pool of store handles. Callers acquire a handle for
// one logical operation and release it afterward; release always rolls back
// a dangling transaction, so a failed caller never leaks state to the next
// borrower. The pool also owns WAL checkpoint maintenance.
type Pool struct {
	cfg     PoolConfig
	handles chan *Handle
	all     []*Handle
	logger  *logrus.Logger
}

// NewPool opens the store file, applies the schema and fills the pool.
func NewPool(cfg PoolConfig, logger *logrus.Logger) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, errkind.E(errkind.Validation, "store.pool", "pool size must be at least 1")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	p := &Pool{
		cfg:     cfg,
		handles: make(chan *Handle, cfg.Size),
		logger:  logger,
	}

	for i := 0; i < cfg.Size; i++ {
		h, err := openHandle(cfg.Path, cfg.BusyTimeout)
		if err != nil {
			p.closeAll()
			return nil, err
		}
		p.all = append(p.all, h)
		p.handles <- h
	}

	if err := p.initSchema(); err != nil {
		p.closeAll()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path": cfg.Path,
		"size": cfg.Size,
	}).Info("Store pool initialized")
	return p, nil
}

// initSchema applies the schema on one handle. The FTS portion is optional:
// drivers without FTS5 degrade to substring search with a logged warning.
func (p *Pool) initSchema() error {
	h := p.all[0]
	if _, err := h.db.Exec(Schema); err != nil {
		return classify("store.pool.schema", err)
	}
	if _, err := h.db.Exec(FTSSchema); err != nil {
		p.logger.WithError(err).Warn("Full-text index unavailable, search degrades to substring matching")
	}
	return nil
}

// Acquire blocks until a handle is available, the context is cancelled or
// the acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.handles:
		return h, nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case h := <-p.handles:
		return h, nil
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Busy, "store.pool", ctx.Err())
	case <-timer.C:
		return nil, ErrPoolExhausted
	}
}

// Release returns a handle to the pool. Any dangling transaction is rolled
// back first, and oversized WAL files trigger an opportunistic checkpoint.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if h.tx != nil {
		p.logger.Warn("Releasing store handle with open transaction, rolling back")
		if err := h.Rollback(); err != nil {
			p.logger.WithError(err).Error("Failed to roll back dangling transaction")
		}
	}
	p.maybeCheckpoint(h)
	p.handles <- h
}

// maybeCheckpoint truncates the WAL when it has outgrown the threshold.
func (p *Pool) maybeCheckpoint(h *Handle) {
	if p.cfg.CheckpointBytes <= 0 {
		return
	}
	info, err := os.Stat(p.cfg.Path + "-wal")
	if err != nil || info.Size() < p.cfg.CheckpointBytes {
		return
	}
	if err := p.checkpoint(h); err != nil {
		p.logger.WithError(err).Warn("Opportunistic WAL checkpoint failed")
		return
	}
	p.logger.WithField("wal_bytes", info.Size()).Debug("WAL checkpoint completed")
}

func (p *Pool) checkpoint(h *Handle) error {
	_, err := h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return classify("store.pool.checkpoint", err)
}

// Close drains the pool, runs a final checkpoint and closes every handle.
func (p *Pool) Close() error {
	drained := 0
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for drained < p.cfg.Size {
		select {
		case <-p.handles:
			drained++
		case <-timer.C:
			p.logger.WithField("outstanding", p.cfg.Size-drained).Warn("Closing pool with handles still checked out")
			drained = p.cfg.Size
		}
	}

	if len(p.all) > 0 {
		if err := p.checkpoint(p.all[0]); err != nil {
			p.logger.WithError(err).Warn("Final WAL checkpoint failed")
		}
	}

	return p.closeAll()
}

func (p *Pool) closeAll() error {
	var firstErr error
	for _, h := range p.all {
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.all = nil
	return firstErr
}
