package registry

import "strings"

// ShardGroups partitions a shard-id set by resharding state. Only stable
// shards are eligible for reward assignment.
type ShardGroups struct {
	Parents  []string
	Children []string
	Stable   []string
}

// GroupShards classifies sorted shard ids. A split in progress is visible
// purely through naming: children extend their parent's id, so an id that
// is a proper prefix of another live id is a parent, and an id with a
// proper prefix in the set is a child. The classification depends only on
// the id set, so it is stable under re-sort.
func GroupShards(sortedShards []string) ShardGroups {
	inSet := make(map[string]bool, len(sortedShards))
	for _, shard := range sortedShards {
		inSet[shard] = true
	}

	isParent := func(shard string) bool {
		for _, other := range sortedShards {
			if other != shard && strings.HasPrefix(other, shard) {
				return true
			}
		}
		return false
	}
	isChild := func(shard string) bool {
		for _, other := range sortedShards {
			if other != shard && strings.HasPrefix(shard, other) {
				return true
			}
		}
		return false
	}

	var groups ShardGroups
	for _, shard := range sortedShards {
		switch {
		case isParent(shard):
			groups.Parents = append(groups.Parents, shard)
		case isChild(shard):
			groups.Children = append(groups.Children, shard)
		default:
			groups.Stable = append(groups.Stable, shard)
		}
	}
	return groups
}

// StableSet returns the stable shard ids as a membership set.
func (g ShardGroups) StableSet() map[string]bool {
	set := make(map[string]bool, len(g.Stable))
	for _, shard := range g.Stable {
		set[shard] = true
	}
	return set
}
