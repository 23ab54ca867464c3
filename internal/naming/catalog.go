package naming

import (
	"context"
	"fmt"
	"sort"

	"github.com/rlops/reward-assignment/internal/blobstore"
)

// Catalog enumerates projects, shards and objects over a blobstore using
// the key layout of this package.
type Catalog struct {
	store    blobstore.Store
	projects []string
}

// NewCatalog builds a catalog over store for the statically configured
// project names.
func NewCatalog(store blobstore.Store, projects []string) *Catalog {
	names := make([]string, len(projects))
	copy(names, projects)
	sort.Strings(names)
	return &Catalog{store: store, projects: names}
}

// AllProjects returns the configured project names, sorted.
func (c *Catalog) AllProjects() []string {
	names := make([]string, len(c.projects))
	copy(names, c.projects)
	return names
}

func (c *Catalog) distinctShards(ctx context.Context, prefix string) ([]string, error) {
	infos, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	seen := make(map[string]bool)
	var shards []string
	for _, info := range infos {
		shard := ShardOfHistoryKey(info.Key)
		if shard == "" || seen[shard] {
			continue
		}
		seen[shard] = true
		shards = append(shards, shard)
	}
	sort.Strings(shards)
	return shards, nil
}

// ListAllShards enumerates every shard with history objects for project.
func (c *Catalog) ListAllShards(ctx context.Context, project string) ([]string, error) {
	return c.distinctShards(ctx, historiesRoot+"/"+project+"/")
}

// ListAllIncomingHistoryShards enumerates shards with pending ingestion
// markers for project.
func (c *Catalog) ListAllIncomingHistoryShards(ctx context.Context, project string) ([]string, error) {
	return c.distinctShards(ctx, incomingRoot+"/"+project+"/")
}

// ListAllHistoryShardObjectsWithMetadata lists one shard's history
// objects with their sizes.
func (c *Catalog) ListAllHistoryShardObjectsWithMetadata(ctx context.Context, project, shard string) ([]blobstore.ObjectInfo, error) {
	infos, err := c.store.List(ctx, HistoryShardPrefix(project, shard))
	if err != nil {
		return nil, fmt.Errorf("list history objects for %s/%s: %w", project, shard, err)
	}
	return infos, nil
}

// ListAllIncomingHistoryShardKeys lists one shard's pending marker keys.
func (c *Catalog) ListAllIncomingHistoryShardKeys(ctx context.Context, project, shard string) ([]string, error) {
	infos, err := c.store.List(ctx, IncomingShardPrefix(project, shard))
	if err != nil {
		return nil, fmt.Errorf("list incoming markers for %s/%s: %w", project, shard, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys, nil
}
