package config

import "sync"

// Holder shares the current resolved config between the long-running watch
// loop and its SIGHUP reload, so a reload updates one place.
type Holder struct {
	mu  sync.RWMutex
	cfg *Resolved
}

// NewHolder creates a Holder with the initial config.
func NewHolder(cfg *Resolved) *Holder {
	return &Holder{cfg: cfg}
}

// Config returns the current snapshot.
func (h *Holder) Config() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file the current snapshot came from.
func (h *Holder) Path() string {
	return h.Config().ConfigPath
}

// Update replaces the snapshot.
func (h *Holder) Update(cfg *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}
