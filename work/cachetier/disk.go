package cachetier

import (
	"container/list"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"kptv-proxy/work/logger"
)

// diskTier is the second tier: one file per segment under
// <root>/videos/<fingerprint>/<startRange>-<endRange-or-empty>. Last-access
// order is tracked in-process via container/list, not filesystem mtime,
// which the specification calls out as unreliable for this purpose.
type diskTier struct {
	root string

	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List // front = most recently used
	curBytes int64
	maxBytes int64
}

type diskEntry struct {
	key  Key
	path string
	size int64
}

func newDiskTier(root string, maxBytes int64) *diskTier {
	d := &diskTier{
		root:     root,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
	}
	d.reload()
	return d
}

// reload walks <root>/videos on cold start and reconstructs the index with
// access order equal to directory-walk order, per the specification.
func (d *diskTier) reload() {
	videos := filepath.Join(d.root, "videos")
	entries, err := os.ReadDir(videos)
	if err != nil {
		return
	}

	for _, fpDir := range entries {
		if !fpDir.IsDir() {
			continue
		}
		fingerprint := fpDir.Name()
		dirPath := filepath.Join(videos, fingerprint)
		files, err := os.ReadDir(dirPath)
		if err != nil {
			logger.Warn("{cachetier - reload} could not read %s: %v", dirPath, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			key, ok := parseRangeFilename(fingerprint, f.Name())
			if !ok {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			d.insertLocked(key, filepath.Join(dirPath, f.Name()), info.Size())
		}
	}
}

func parseRangeFilename(fingerprint, name string) (Key, bool) {
	start, end, ok := strings.Cut(name, "-")
	if !ok {
		return Key{}, false
	}
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return Key{}, false
	}
	k := Key{Fingerprint: fingerprint, StartRange: s}
	if end != "" {
		e, err := strconv.ParseInt(end, 10, 64)
		if err != nil {
			return Key{}, false
		}
		k.EndRange = &e
	}
	return k, true
}

func (d *diskTier) pathFor(k Key) string {
	return filepath.Join(d.root, "videos", k.Fingerprint, k.rangeSuffix())
}

// insertLocked adds a freshly-discovered or freshly-written entry to the
// index without touching the filesystem. Caller must hold d.mu, except
// during reload() where the tier is not yet shared.
func (d *diskTier) insertLocked(k Key, path string, size int64) {
	key := k.String()
	if elem, ok := d.items[key]; ok {
		d.lru.MoveToFront(elem)
		return
	}
	elem := d.lru.PushFront(&diskEntry{key: k, path: path, size: size})
	d.items[key] = elem
	d.curBytes += size
}

func (d *diskTier) get(k Key) (string, bool) {
	key := k.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	elem, ok := d.items[key]
	if !ok {
		return "", false
	}
	d.lru.MoveToFront(elem)
	return elem.Value.(*diskEntry).path, true
}

// put writes data for k to disk, updating the LRU index and evicting until
// the disk budget is respected. The index is updated by swap-in only after
// the write succeeds, so a failed write never corrupts the index.
func (d *diskTier) put(k Key, data []byte) error {
	path := d.pathFor(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	d.commit(k, path, int64(len(data)))
	return nil
}

// putFile registers a file already materialized at srcPath (e.g. copied
// in from elsewhere) as the cache entry for k, copying it into place; the
// source file is left where it is.
func (d *diskTier) putFile(k Key, srcPath string) error {
	dstPath := d.pathFor(k)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	size, err := copyFile(srcPath, dstPath)
	if err != nil {
		return err
	}
	d.commit(k, dstPath, size)
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Sync()
}

func (d *diskTier) commit(k Key, path string, size int64) {
	key := k.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.items[key]; ok {
		old := elem.Value.(*diskEntry)
		d.curBytes -= old.size
		old.path, old.size = path, size
		d.lru.MoveToFront(elem)
	} else {
		elem := d.lru.PushFront(&diskEntry{key: k, path: path, size: size})
		d.items[key] = elem
		d.curBytes += size
	}

	for d.curBytes > d.maxBytes && d.lru.Len() > 0 {
		back := d.lru.Back()
		evicted := back.Value.(*diskEntry)
		if evicted.key.String() == key {
			break
		}
		d.lru.Remove(back)
		delete(d.items, evicted.key.String())
		d.curBytes -= evicted.size
		d.evictFile(evicted)
	}
}

// evictFile deletes the file and, if the fingerprint directory becomes
// empty, the directory too. Called with d.mu held.
func (d *diskTier) evictFile(e *diskEntry) {
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		logger.Warn("{cachetier - evictFile} failed to remove %s: %v", e.path, err)
		return
	}
	dir := filepath.Dir(e.path)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

func (d *diskTier) remove(k Key) {
	key := k.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	elem, ok := d.items[key]
	if !ok {
		return
	}
	d.lru.Remove(elem)
	delete(d.items, key)
	entry := elem.Value.(*diskEntry)
	d.curBytes -= entry.size
	d.evictFile(entry)
}

// snapshot returns a consistent copy of key -> file path, safe to iterate
// without observing concurrent mutation.
func (d *diskTier) snapshot() map[Key]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[Key]string, len(d.items))
	for _, elem := range d.items {
		e := elem.Value.(*diskEntry)
		out[e.key] = e.path
	}
	return out
}

func (d *diskTier) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, elem := range d.items {
		e := elem.Value.(*diskEntry)
		_ = os.Remove(e.path)
	}
	d.items = make(map[string]*list.Element)
	d.lru = list.New()
	d.curBytes = 0
}

func (d *diskTier) residentBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curBytes
}
