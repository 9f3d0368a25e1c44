package collab

// Roster is the set of participants viewing the workflow, in the order
// the server delivered them. It is not safe for concurrent use; the
// Coordinator guards it.
type Roster struct {
	entries []Collaborator
}

// Replace swaps in a full snapshot.
func (r *Roster) Replace(entries []Collaborator) {
	r.entries = append([]Collaborator(nil), entries...)
}

// All returns a copy.
func (r *Roster) All() []Collaborator {
	return append([]Collaborator(nil), r.entries...)
}

func (r *Roster) Len() int { return len(r.entries) }

// Find returns the first entry with the given user id.
func (r *Roster) Find(id string) (Collaborator, bool) {
	if id == "" {
		return Collaborator{}, false
	}
	for _, c := range r.entries {
		if c.User.ID == id {
			return c, true
		}
	}
	return Collaborator{}, false
}

func (r *Roster) Contains(id string) bool {
	_, ok := r.Find(id)
	return ok
}

// Remove drops every entry with the given user id and reports whether
// any was present.
func (r *Roster) Remove(id string) bool {
	kept := r.entries[:0]
	removed := false
	for _, c := range r.entries {
		if c.User.ID == id {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	r.entries = kept
	return removed
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.entries = nil
}

// LocalFirst returns a copy with localID's entries moved to the front;
// everyone else keeps delivered order.
func (r *Roster) LocalFirst(localID string) []Collaborator {
	out := make([]Collaborator, 0, len(r.entries))
	for _, c := range r.entries {
		if c.User.ID == localID {
			out = append(out, c)
		}
	}
	for _, c := range r.entries {
		if c.User.ID != localID {
			out = append(out, c)
		}
	}
	return out
}
