// Package cache provides byte caches for data that is expensive to load,
// such as a document's encrypted chunks held in object storage.
//
// Values are opaque bytes. Callers cache only material that is already safe
// to persist, so a cache never widens what an attacker with storage access
// could read.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process LRU cache with a per-entry TTL.
type Memory struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	order   *list.List // front is most recently used
	entries map[string]*list.Element

	hits, misses int64
}

type memoryEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewMemory returns an LRU holding at most maxEntries values for ttl each.
// A zero ttl never expires entries; maxEntries below one defaults to 1024.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries < 1 {
		maxEntries = 1024
	}
	return &Memory{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}
	e := el.Value.(*memoryEntry)
	if !e.expires.IsZero() && m.now().After(e.expires) {
		m.removeElement(el)
		m.misses++
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	m.hits++
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if m.ttl > 0 {
		expires = m.now().Add(m.ttl)
	}
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.value, e.expires = value, expires
		m.order.MoveToFront(el)
		return nil
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, value: value, expires: expires})
	for m.order.Len() > m.maxEntries {
		m.removeElement(m.order.Back())
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
	return nil
}

func (m *Memory) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.entries, el.Value.(*memoryEntry).key)
}

// Stats holds cache statistics.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Stats returns cache statistics.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: m.order.Len(), Hits: m.hits, Misses: m.misses}
}
