package kvstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store implementation. Data does not survive
// process restarts; it backs kind: memory datastore configs and is used
// directly by the tests of internal/kvstore and internal/operations.
type Memory struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]map[string]memEntry // namespace -> key -> entry
}

// NewMemory builds an in-memory Store. ttl, when positive, is applied to
// every Set the same way the SQLite backend applies Config.TTLSeconds.
func NewMemory(ttl time.Duration) *Memory {
	slog.Info("kvstore: using in-memory backend (data will not persist across restarts)")
	return &Memory{
		ttl:  ttl,
		data: make(map[string]map[string]memEntry),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ListNamespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.data))
	for ns := range m.data {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Set(_ context.Context, ns, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks, ok := m.data[ns]
	if !ok {
		ks = make(map[string]memEntry)
		m.data[ns] = ks
	}

	entry := memEntry{value: value}
	if m.ttl > 0 {
		entry.expiresAt = time.Now().Add(m.ttl)
	}
	ks[key] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, ns, key string) (string, bool, error) {
	m.mu.RLock()
	ks, ok := m.data[ns]
	if !ok {
		m.mu.RUnlock()
		return "", false, nil
	}
	entry, ok := ks[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(ks, key)
		m.mu.Unlock()
		return "", false, nil
	}

	return entry.value, true, nil
}

func (m *Memory) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ks, ok := m.data[ns]; ok {
		delete(ks, key)
	}
	return nil
}
