package cache

import (
	"container/list"
	"sync"
	"time"
)

// memory is the in-process tier: a fixed-capacity LRU whose entries also
// expire by TTL. Expired entries are dropped when read.
type memory struct {
	capacity int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
}

func newMemory(capacity int) *memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &memory{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (m *memory) get(fp string, now time.Time) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[fp]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(Entry)
	if e.Expired(now) {
		m.removeElement(el)
		return Entry{}, false
	}
	m.order.MoveToFront(el)
	return e, true
}

func (m *memory) put(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[e.Fingerprint]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return
	}
	for m.order.Len() >= m.capacity {
		m.removeElement(m.order.Back())
	}
	m.items[e.Fingerprint] = m.order.PushFront(e)
}

func (m *memory) remove(fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[fp]; ok {
		m.removeElement(el)
	}
}

func (m *memory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// removeElement must be called with m.mu held.
func (m *memory) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(Entry).Fingerprint)
}
