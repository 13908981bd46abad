package syncer

import "time"

// LockRegistry holds one exclusivity slot per account. At most one sync
// session runs per account; callers either fail fast or wait briefly,
// depending on the entry point.
type LockRegistry struct {
	slots map[int64]chan struct{}
}

// NewLockRegistry creates a registry with one slot per account id. The set
// of accounts is fixed at startup.
func NewLockRegistry(accountIDs []int64) *LockRegistry {
	slots := make(map[int64]chan struct{}, len(accountIDs))
	for _, id := range accountIDs {
		slot := make(chan struct{}, 1)
		slot <- struct{}{}
		slots[id] = slot
	}
	return &LockRegistry{slots: slots}
}

// TryLock takes the slot without blocking. Returns false if the account is
// unknown or already locked.
func (r *LockRegistry) TryLock(accountID int64) bool {
	slot, ok := r.slots[accountID]
	if !ok {
		return false
	}
	select {
	case <-slot:
		return true
	default:
		return false
	}
}

// LockWithTimeout waits up to d for the slot.
func (r *LockRegistry) LockWithTimeout(accountID int64, d time.Duration) bool {
	slot, ok := r.slots[accountID]
	if !ok {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-slot:
		return true
	case <-timer.C:
		return false
	}
}

// Unlock releases the slot. Must only be called by the current holder.
func (r *LockRegistry) Unlock(accountID int64) {
	if slot, ok := r.slots[accountID]; ok {
		slot <- struct{}{}
	}
}
