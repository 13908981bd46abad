package config

import "sync"

// SettingsHolder is a concurrency-safe holder for the runtime-updatable sync
// settings. The scheduler, sync engine and hybrid manager all read from the
// same holder, so a validated update takes effect everywhere on the next
// operation.
type SettingsHolder struct {
	mu sync.RWMutex
	s  SyncSettings
}

// NewSettingsHolder creates a holder seeded with the given settings.
func NewSettingsHolder(s SyncSettings) *SettingsHolder {
	return &SettingsHolder{s: s}
}

// Get returns a copy of the current settings.
func (h *SettingsHolder) Get() SyncSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

// Set validates and replaces the current settings.
func (h *SettingsHolder) Set(s SyncSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
	return nil
}
