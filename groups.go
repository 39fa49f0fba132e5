package relay

// GroupSet tracks the groups one connection belongs to, preserving the order
// in which groups were joined. It is not safe for concurrent use; the owning
// connection guards it with its own lock.
type GroupSet struct {
	order   []string
	members map[string]struct{}
}

// NewGroupSet returns an empty group set.
func NewGroupSet() *GroupSet {
	return &GroupSet{members: make(map[string]struct{})}
}

// Add inserts group into the set. It reports whether the set changed.
func (g *GroupSet) Add(group string) bool {
	if _, ok := g.members[group]; ok {
		return false
	}
	g.members[group] = struct{}{}
	g.order = append(g.order, group)
	return true
}

// Remove deletes group from the set. It reports whether the set changed.
func (g *GroupSet) Remove(group string) bool {
	if _, ok := g.members[group]; !ok {
		return false
	}
	delete(g.members, group)
	for i, name := range g.order {
		if name == group {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether group is in the set.
func (g *GroupSet) Contains(group string) bool {
	_, ok := g.members[group]
	return ok
}

// Len returns the number of groups in the set.
func (g *GroupSet) Len() int { return len(g.order) }

// Snapshot returns the groups in join order. The returned slice is a copy
// and is never nil, so it can be placed directly on a ResponseEnvelope where
// non-nil means "emit the field".
func (g *GroupSet) Snapshot() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// DiffGroups compares two group snapshots and returns the groups present only
// in curr (added) and only in prev (removed), each in the order of the
// snapshot they came from.
func DiffGroups(prev, curr []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, g := range prev {
		prevSet[g] = struct{}{}
	}
	currSet := make(map[string]struct{}, len(curr))
	for _, g := range curr {
		currSet[g] = struct{}{}
	}
	for _, g := range curr {
		if _, ok := prevSet[g]; !ok {
			added = append(added, g)
		}
	}
	for _, g := range prev {
		if _, ok := currSet[g]; !ok {
			removed = append(removed, g)
		}
	}
	return added, removed
}
