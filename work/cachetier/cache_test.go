package cachetier

import (
	"os"
	"testing"
)

func key(fp string, start int64, end int64) Key {
	e := end
	return Key{Fingerprint: fp, StartRange: start, EndRange: &e}
}

func TestMemoryThenDiskEvictionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 10, 1000) // tiny memory budget: a second put demotes the first

	k := key("fp1", 0, 9)
	data := []byte("0123456789")
	c.Put(k, data)
	c.Put(key("fp1", 10, 19), []byte("abcdefghij")) // evicts k from memory to disk

	got, ok := c.Get(k)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if string(got) != string(data) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, data)
	}
}

func TestMemoryBudgetEnforced(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 20, 1000)

	c.Put(key("fp", 0, 9), make([]byte, 10))
	c.Put(key("fp", 10, 19), make([]byte, 10))
	c.Put(key("fp", 20, 29), make([]byte, 10)) // forces eviction of the first

	if c.MemoryResidentBytes() > 20 {
		t.Fatalf("memory resident bytes %d exceeds budget 20", c.MemoryResidentBytes())
	}
}

func TestOversizedValueBypassesMemory(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 5, 1000)

	k := key("fp", 0, 9)
	c.Put(k, make([]byte, 10))

	if c.MemoryResidentBytes() != 0 {
		t.Fatalf("expected oversized put to bypass memory, got %d resident bytes", c.MemoryResidentBytes())
	}
	if _, ok := c.disk.get(k); !ok {
		t.Fatal("expected oversized value to land on disk")
	}
}

func TestDiskEvictionRemovesFile(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1, 20) // memory budget of 1 forces everything to disk

	c.Put(key("fp", 0, 9), make([]byte, 10))
	path1, _ := c.GetFile(key("fp", 0, 9))

	c.Put(key("fp", 10, 19), make([]byte, 10))
	c.Put(key("fp", 20, 29), make([]byte, 10)) // exceeds 20-byte disk budget, evicts fp/0-9

	if _, err := os.Stat(path1); err == nil {
		t.Fatal("expected evicted file to be removed from disk")
	}
}
