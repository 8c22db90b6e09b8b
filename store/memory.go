package store

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-memory KV for single-instance deployments and tests.
// Expiry is checked lazily on read and claim.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
	expiry map[string]time.Time
	now    func() time.Time
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock overrides the KV's clock. Tests use this to exercise TTL expiry.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expiredLocked(key) {
		return nil, nil
	}
	val, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.expiredLocked(key) {
		if _, exists := m.values[key]; exists {
			return false, nil
		}
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.expiry, key)
	return nil
}

func (m *MemoryKV) setLocked(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

// expiredLocked reports whether key has expired, cleaning it up if so.
func (m *MemoryKV) expiredLocked(key string) bool {
	deadline, ok := m.expiry[key]
	if !ok {
		return false
	}
	if m.now().Before(deadline) {
		return false
	}
	delete(m.values, key)
	delete(m.expiry, key)
	return true
}

var _ KV = (*MemoryKV)(nil)
