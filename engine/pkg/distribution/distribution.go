// Package distribution balances new stake slots across address groups.
package distribution

// Group is the load input for one address group.
type Group struct {
	KeysCount int
}

// Calculate assigns every item to the group with the lowest current load,
// where load is the group's KeysCount plus the items already assigned to it in
// this call. Ties go to the lowest index. The result has one slice per group
// and preserves the relative order of items within each group.
//
// Calculate is pure and deterministic.
func Calculate[T any](items []T, groups []Group) [][]T {
	out := make([][]T, len(groups))
	switch len(groups) {
	case 0:
		return out
	case 1:
		out[0] = append(make([]T, 0, len(items)), items...)
		return out
	}

	load := make([]int, len(groups))
	for i, g := range groups {
		load[i] = g.KeysCount
	}

	for _, item := range items {
		best := 0
		for i := 1; i < len(load); i++ {
			if load[i] < load[best] {
				best = i
			}
		}
		out[best] = append(out[best], item)
		load[best]++
	}
	return out
}
