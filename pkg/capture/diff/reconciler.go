// Package diff reconciles successive reads of an evolving caption text node
// into append-only deltas. Caption engines that hold a sliding window both
// truncate words from the front and append words at the back without emitting
// separate DOM nodes per word; suffix reconciliation is the only safe way to
// track them.
package diff

import "strings"

// Reconcile returns the text to append to a turn buffer so that it reflects
// the change from prev to cur, or cur itself when no suffix relationship
// exists (the node was recycled for a new utterance).
//
//  1. cur grows from prev (live typing): return the new suffix.
//  2. The window scrolled: drop leading characters from prev one at a time
//     until the remainder prefixes cur, then return what follows it.
//  3. No relationship: return cur unchanged; the caller treats it as a full
//     replacement.
func Reconcile(prev, cur string) string {
	if prev == "" {
		return cur
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	for i := 1; i < len(prev); i++ {
		if strings.HasPrefix(cur, prev[i:]) {
			return cur[len(prev)-i:]
		}
	}
	return cur
}
