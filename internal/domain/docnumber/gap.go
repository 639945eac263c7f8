package docnumber

import (
	"slices"
	"strconv"
	"strings"
)

// ExtractSequences returns the trailing sequence values of the numbers that
// start with numberPrefix (prefix followed by date bucket), sorted and
// deduplicated. Numbers with that prefix whose remainder is not a bounded
// digit string are returned in malformed. Numbers with another prefix and
// the zero sequence are ignored.
func ExtractSequences(numbers []string, numberPrefix string) (sequences []uint64, malformed []string) {
	sequences = make([]uint64, 0, len(numbers))
	for _, n := range numbers {
		if !strings.HasPrefix(n, numberPrefix) {
			continue
		}
		rest := n[len(numberPrefix):]
		if len(rest) == 0 || len(rest) > MaxSequenceDigits || !isDigits(rest) {
			malformed = append(malformed, n)
			continue
		}
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			malformed = append(malformed, n)
			continue
		}
		if seq == 0 {
			continue
		}
		sequences = append(sequences, seq)
	}
	slices.Sort(sequences)
	return slices.Compact(sequences), malformed
}

// FindReusableNumber returns the smallest g with 1 <= g <= max(active),
// g not in active and g >= current. active must be sorted ascending without
// duplicates, as returned by ExtractSequences. It reports false when active
// is empty or no such g exists.
//
// Requiring g >= current keeps a lowered counter from dropping below a number
// that may have been issued and is still held by an uncommitted transaction.
func FindReusableNumber(current uint64, active []uint64) (uint64, bool) {
	candidate := max(current, 1)
	for _, seq := range active {
		switch {
		case seq < candidate:
			continue
		case seq == candidate:
			candidate++
		default:
			return candidate, true
		}
	}
	return 0, false
}

// NextAfter returns the value following both the counter and every active
// sequence, so a fresh number never collides with an imported or manually
// numbered active document.
func NextAfter(current uint64, active []uint64) uint64 {
	if n := len(active); n > 0 && active[n-1] > current {
		return active[n-1] + 1
	}
	return current + 1
}

// MissingSequences lists every g in 1..max(active) absent from active.
// Intended for reporting; allocation uses FindReusableNumber.
func MissingSequences(active []uint64, limit int) []uint64 {
	var gaps []uint64
	var expected uint64 = 1
	for _, seq := range active {
		for ; expected < seq; expected++ {
			if limit > 0 && len(gaps) >= limit {
				return gaps
			}
			gaps = append(gaps, expected)
		}
		expected = seq + 1
	}
	return gaps
}
