package cachetier

import (
	"container/list"
	"sync"
)

// Segment is the value stored in the memory tier: the resource's bytes
// plus the addressing/length metadata carried alongside them.
type Segment struct {
	Key        Key
	Data       []byte
	TotalBytes int64 // full resource length when known, else 0
}

// memoryTier is a single-mutex, byte-budgeted LRU ordered by last access.
// Eviction runs synchronously inside put: while current+incoming exceeds
// the budget, the least-recently-used entry is evicted.
//
// Grounded on the container/list + map "shard" pattern used for byte-
// budgeted LRUs elsewhere in this lineage; unlike that pattern this tier is
// intentionally a single lock, not sharded, because the cache invariant
// (Σ size(memory entries) ≤ memoryCacheSize at every observable state)
// must hold exactly, and per-shard sub-budgets would only approximate it.
type memoryTier struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List // front = most recently used
	curBytes int64
	maxBytes int64

	onDemote func(Key, *Segment)
}

type memoryEntry struct {
	key *Segment
}

func newMemoryTier(maxBytes int64, onDemote func(Key, *Segment)) *memoryTier {
	return &memoryTier{
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
		onDemote: onDemote,
	}
}

// get returns a copy-free reference to the segment and promotes it to MRU.
func (m *memoryTier) get(k Key) (*Segment, bool) {
	key := k.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.lru.MoveToFront(elem)
	return elem.Value.(*memoryEntry).key, true
}

// fits reports whether a value of this size is eligible for the memory
// tier at all (values larger than the whole budget bypass memory and go
// straight to disk).
func (m *memoryTier) fits(size int64) bool {
	return size <= m.maxBytes
}

// put inserts or replaces a segment, evicting LRU entries (demoting them
// to disk via onDemote) until the budget is respected.
func (m *memoryTier) put(seg *Segment) {
	key := seg.Key.String()
	size := int64(len(seg.Data))

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		old := elem.Value.(*memoryEntry).key
		m.curBytes -= int64(len(old.Data))
		elem.Value.(*memoryEntry).key = seg
		m.curBytes += size
		m.lru.MoveToFront(elem)
	} else {
		elem := m.lru.PushFront(&memoryEntry{key: seg})
		m.items[key] = elem
		m.curBytes += size
	}

	for m.curBytes > m.maxBytes && m.lru.Len() > 0 {
		back := m.lru.Back()
		evicted := back.Value.(*memoryEntry).key
		if evicted.Key.String() == key {
			// the entry we just inserted is itself over budget alone and
			// there is nothing else to evict; put() only accepts values
			// that already passed fits(), so this should not happen, but
			// never evict forward progress into an infinite loop.
			break
		}
		m.lru.Remove(back)
		delete(m.items, evicted.Key.String())
		m.curBytes -= int64(len(evicted.Data))
		if m.onDemote != nil {
			m.onDemote(evicted.Key, evicted)
		}
	}
}

func (m *memoryTier) remove(k Key) {
	key := k.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return
	}
	m.lru.Remove(elem)
	delete(m.items, key)
	m.curBytes -= int64(len(elem.Value.(*memoryEntry).key.Data))
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.lru = list.New()
	m.curBytes = 0
}

func (m *memoryTier) residentBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curBytes
}
