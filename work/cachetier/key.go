package cachetier

import "strconv"

// Key identifies a cached segment by (fingerprint, startRange, endRange?).
type Key struct {
	Fingerprint string
	StartRange  int64
	EndRange    *int64 // nil means "to EOF"
}

// String renders the key the way it is also used to build the on-disk
// filename: "<startRange>-<endRange-or-empty>", joined to the fingerprint.
func (k Key) String() string {
	return k.Fingerprint + "/" + k.rangeSuffix()
}

// rangeSuffix is the exact "<startRange>-<endRange-or-empty>" filename
// fragment from the on-disk layout in §6 of the specification.
func (k Key) rangeSuffix() string {
	start := strconv.FormatInt(k.StartRange, 10)
	if k.EndRange == nil {
		return start + "-"
	}
	return start + "-" + strconv.FormatInt(*k.EndRange, 10)
}
