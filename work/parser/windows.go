package parser

// Window is the exported form of the segment grid used by the pre-cache
// surface (Engine.Precache / PrecacheByte), which has no client Range to
// intersect and so cannot reuse windowsIntersecting directly.
type Window struct {
	Start int64
	Size  int64
}

// FirstWindows returns the first n windows of the segment grid, the first
// sized firstSegmentSize and the rest segmentSize, for cacheSegments-style
// pre-caching by count.
func FirstWindows(firstSegmentSize, segmentSize int64, n int) []Window {
	if n <= 0 {
		return nil
	}
	out := make([]Window, 0, n)
	cur := Window{Start: 0, Size: firstSegmentSize}
	for i := 0; i < n; i++ {
		out = append(out, cur)
		cur = Window{Start: cur.Start + cur.Size, Size: segmentSize}
	}
	return out
}

// WindowsForBytes returns the leading windows of the segment grid covering
// at least totalBytes, for precacheByte's byte-budget pre-caching.
func WindowsForBytes(firstSegmentSize, segmentSize, totalBytes int64) []Window {
	if totalBytes <= 0 {
		return nil
	}
	var out []Window
	var sum int64
	cur := Window{Start: 0, Size: firstSegmentSize}
	for sum < totalBytes {
		out = append(out, cur)
		sum += cur.Size
		cur = Window{Start: cur.Start + cur.Size, Size: segmentSize}
	}
	return out
}

// End returns the inclusive end offset of the window, the form cache keys
// and task ranges use.
func (w Window) End() int64 { return w.Start + w.Size - 1 }
