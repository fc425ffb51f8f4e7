package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a process-local Store. Expiry is evaluated lazily against the
// injected clock, so tests can advance a fake clock to expire records.
type Memory struct {
	clock clockwork.Clock

	mu     sync.Mutex
	values map[string]memoryEntry
	sets   map[string]map[string]struct{}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:  clock,
		values: make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(m.clock.Now()) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.values[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) KeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key, entry := range m.values {
		if !strings.HasPrefix(key, prefix) || entry.expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) SetAdd(_ context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sets[set]
	if !ok {
		current = make(map[string]struct{}, len(members))
		m.sets[set] = current
	}
	for _, member := range members {
		current[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sets[set]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(current, member)
	}
	if len(current) == 0 {
		delete(m.sets, set)
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[set]))
	for member := range m.sets[set] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) Purge(_ context.Context) (int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.values {
		if entry.expired(now) {
			delete(m.values, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
