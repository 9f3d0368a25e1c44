package collab

import "sort"

// Comparator orders handoff candidates; the first one after sorting is
// the next writer. It must be a strict weak order and must give every
// client the same answer for the same roster.
type Comparator func(a, b Collaborator) bool

// ByUserID orders by user id, as plain string comparison.
func ByUserID(a, b Collaborator) bool {
	return a.User.ID < b.User.ID
}

// NextWriter picks who should take the lock after releaser gave it up.
// releaser may be empty when unknown.
func NextWriter(roster []Collaborator, releaser string, less Comparator) (string, bool) {
	if less == nil {
		less = ByUserID
	}
	candidates := make([]Collaborator, 0, len(roster))
	for _, c := range roster {
		if c.User.ID == "" || (releaser != "" && c.User.ID == releaser) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
	return candidates[0].User.ID, true
}
