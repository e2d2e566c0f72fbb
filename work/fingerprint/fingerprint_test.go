package fingerprint

import "testing"

func TestOfStableAcrossRuns(t *testing.T) {
	a := Of("https://Host.example.com:443/path?q=1", "")
	b := Of("https://host.example.com/path?q=1", "")
	if a != b {
		t.Fatalf("expected canonicalized URLs to fingerprint identically, got %q and %q", a, b)
	}
}

func TestOfCustomCacheIDPartitions(t *testing.T) {
	withID := Of("http://example.com/v.mp4", "tenant-a")
	withoutID := Of("http://example.com/v.mp4", "")
	if withID == withoutID {
		t.Fatal("expected custom cache id to change the fingerprint")
	}
}

func TestOfLength(t *testing.T) {
	fp := Of("http://example.com/v.mp4", "")
	if len(fp) != 32 {
		t.Fatalf("expected 32 hex characters (128-bit digest), got %d", len(fp))
	}
}

func TestHLSKeyMatchesFingerprint(t *testing.T) {
	masterURL := "http://example.com/m.m3u8"
	if HLSKey(masterURL) != Of(masterURL, "") {
		t.Fatal("hlsKey must equal the master playlist's fingerprint")
	}
}
