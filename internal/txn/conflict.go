package txn

import "bytes"

// rangeContains reports whether key falls within [lo, hi], treating a nil
// bound as unbounded on that side — the same rule internal/locker uses
// for registered range reads, applied here against the mutation log
// during commit-time phantom validation (spec §4.5 step 2).
func rangeContains(lo, hi, key []byte) bool {
	if lo != nil && bytes.Compare(key, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(key, hi) > 0 {
		return false
	}
	return true
}
