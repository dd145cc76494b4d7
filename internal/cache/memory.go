package cache

import (
	"container/list"
	"sync"
	"time"
)

// memoryTier is a byte-bounded LRU. The front of order is the most recently
// used entry.
type memoryTier struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

func newMemoryTier(capacity int64) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *memoryTier) get(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.items[id]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(elem)
	entry := elem.Value.(*Entry)
	entry.LastAccess = m.now()
	return entry.clone(), true
}

// put stores a private copy of entry. Entries larger than the whole tier are
// refused and any older version of the id is dropped, so the tier never
// serves a payload that disk has already replaced. It returns the ids evicted
// to make room.
func (m *memoryTier) put(entry *Entry) (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[entry.ID]; ok {
		m.removeElement(elem)
	}
	if entry.SizeBytes > m.capacity {
		return false, nil
	}

	stored := entry.clone()
	stored.LastAccess = m.now()
	m.items[stored.ID] = m.order.PushFront(stored)
	m.used += stored.SizeBytes

	var evicted []string
	for m.used > m.capacity {
		oldest := m.order.Back()
		if oldest == nil || oldest.Value.(*Entry).ID == stored.ID {
			break
		}
		evicted = append(evicted, oldest.Value.(*Entry).ID)
		m.removeElement(oldest)
	}
	return true, evicted
}

func (m *memoryTier) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.items[id]
	if !ok {
		return false
	}
	m.removeElement(elem)
	return true
}

func (m *memoryTier) removeElement(elem *list.Element) {
	entry := elem.Value.(*Entry)
	m.order.Remove(elem)
	delete(m.items, entry.ID)
	m.used -= entry.SizeBytes
}

func (m *memoryTier) usage() (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), m.used
}
