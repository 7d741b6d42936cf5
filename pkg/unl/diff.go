package unl

// Delta is the three-way diff between a source's previous membership and a
// fresh pull. Consumed immediately by reconciliation, never retained.
type Delta struct {
	Unchanged []Identity
	Added     []Identity
	Removed   []Identity
}

// DiffMembership splits next against prev. Unchanged and Added preserve
// next's order, Removed preserves prev's order.
func DiffMembership(prev, next []Identity) Delta {
	prevSet := make(map[Identity]struct{}, len(prev))
	for _, id := range prev {
		prevSet[id] = struct{}{}
	}
	nextSet := make(map[Identity]struct{}, len(next))
	for _, id := range next {
		nextSet[id] = struct{}{}
	}

	var d Delta
	for _, id := range next {
		if _, ok := prevSet[id]; ok {
			d.Unchanged = append(d.Unchanged, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for _, id := range prev {
		if _, ok := nextSet[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}
