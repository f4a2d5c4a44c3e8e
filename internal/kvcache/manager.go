package kvcache

import (
	"sync"

	"github.com/samcharles93/aria/internal/logger"
)

// Manager owns the process-wide cache handle. Allocation is demand-driven:
// the first request allocates, later requests with the same shape reuse the
// handle, and a shape change allocates a replacement and drops the old
// handle. A dropped handle stays valid for whoever already holds its lease;
// it is simply no longer handed out.
type Manager struct {
	mu    sync.Mutex
	cur   *Cache
	log   logger.Logger
	alloc func(Config) (*Cache, error)
}

// NewManager returns an empty manager. log may be nil.
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{log: log, alloc: New}
}

// GetOrCreate returns a cache matching cfg, allocating or replacing as
// needed. The returned cache is not checked out, and a reused handle keeps
// its filled length until the holder resets it.
func (m *Manager) GetOrCreate(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil && m.cur.cfg.compatible(cfg) {
		return m.cur, nil
	}
	c, err := m.alloc(cfg)
	if err != nil {
		return nil, err
	}
	if m.cur == nil {
		m.log.Debug("allocated kv cache",
			"layers", cfg.Layers, "heads", cfg.Heads, "head_dim", cfg.HeadDim,
			"batch", cfg.Batch, "max_len", cfg.MaxLen, "dtype", cfg.DType.String())
	} else {
		old := m.cur.cfg
		m.log.Info("replacing kv cache",
			"old_batch", old.Batch, "old_max_len", old.MaxLen,
			"batch", cfg.Batch, "max_len", cfg.MaxLen, "dtype", cfg.DType.String())
	}
	m.cur = c
	return c, nil
}

// Current returns the live handle, or nil before the first allocation.
func (m *Manager) Current() *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}
