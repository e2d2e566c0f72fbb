// Package cachetier implements the two-tier (memory, then disk) LRU byte
// cache: memory and disk caches with size-bounded LRU eviction.
package cachetier

import "os"

// Cache is the two-tier LRU: a memory tier backed by a disk tier. Eviction
// from memory demotes into disk; a miss in memory that hits disk promotes
// the bytes back into memory and touches the disk LRU position.
type Cache struct {
	memory *memoryTier
	disk   *diskTier
}

// New constructs a Cache rooted at root (containing a "videos" directory)
// with the given per-tier byte budgets.
func New(root string, memoryCacheSize, storageCacheSize int64) *Cache {
	c := &Cache{}
	c.memory = newMemoryTier(memoryCacheSize, c.demote)
	c.disk = newDiskTier(root, storageCacheSize)
	return c
}

// demote is the memory tier's eviction callback: write the evicted segment
// to disk (if it is not already there) before dropping it from memory.
func (c *Cache) demote(k Key, seg *Segment) {
	if _, onDisk := c.disk.get(k); onDisk {
		return
	}
	if err := c.disk.put(k, seg.Data); err != nil {
		// A write failure here must not panic the evicting goroutine; the
		// bytes are simply lost from both tiers, matching CacheIOFailure's
		// "demote to streaming-without-cache" propagation policy.
		return
	}
}

// Get returns the cached bytes for k, promoting a disk hit into memory.
func (c *Cache) Get(k Key) ([]byte, bool) {
	if seg, ok := c.memory.get(k); ok {
		return seg.Data, true
	}

	path, ok := c.disk.get(k)
	if !ok {
		return nil, false
	}

	data, err := readFile(path)
	if err != nil {
		c.disk.remove(k)
		return nil, false
	}

	if c.memory.fits(int64(len(data))) {
		c.memory.put(&Segment{Key: k, Data: data})
	}
	return data, true
}

// Put inserts data for k. Values that fit the memory budget land in
// memory (possibly demoting others to disk); oversized values bypass
// memory and write straight to disk.
func (c *Cache) Put(k Key, data []byte) {
	if c.memory.fits(int64(len(data))) {
		c.memory.put(&Segment{Key: k, Data: data})
		return
	}
	_ = c.disk.put(k, data)
}

// GetFile returns the on-disk path for k if the disk tier has it.
func (c *Cache) GetFile(k Key) (string, bool) {
	return c.disk.get(k)
}

// PutFile registers an already-materialized file at path as the disk
// entry for k.
func (c *Cache) PutFile(k Key, path string) error {
	return c.disk.putFile(k, path)
}

// Remove evicts k from both tiers.
func (c *Cache) Remove(k Key) {
	c.memory.remove(k)
	c.disk.remove(k)
}

// StorageMap returns a consistent snapshot of the disk tier's key -> file
// mapping so the registry can compute on-disk cached bytes.
func (c *Cache) StorageMap() map[Key]string {
	return c.disk.snapshot()
}

// Clear empties both tiers, removing disk files.
func (c *Cache) Clear() {
	c.memory.clear()
	c.disk.clear()
}

// MemoryResidentBytes returns the memory tier's current occupancy.
func (c *Cache) MemoryResidentBytes() int64 { return c.memory.residentBytes() }

// DiskResidentBytes returns the disk tier's current occupancy.
func (c *Cache) DiskResidentBytes() int64 { return c.disk.residentBytes() }

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
