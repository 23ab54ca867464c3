// Package history loads a shard's stale history for one assignment pass:
// parallel reads per date-path group, pass-wide deduplication by message
// id, and consolidation of fragmented date-paths into single objects.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rlops/reward-assignment/internal/blobstore"
	"github.com/rlops/reward-assignment/internal/hooks"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/records"
)

// StaleFilter narrows the history objects a pass re-reads, given the
// incoming marker keys that triggered it. The windowing semantics around
// incoming events are still open; AllObjects is the default.
type StaleFilter interface {
	Stale(objects []blobstore.ObjectInfo, incomingKeys []string) []blobstore.ObjectInfo
}

// AllObjects is the identity stale filter: every history object is
// re-read on every pass.
type AllObjects struct{}

func (AllObjects) Stale(objects []blobstore.ObjectInfo, incomingKeys []string) []blobstore.ObjectInfo {
	return objects
}

// Loader reads and prepares a shard's history records.
type Loader struct {
	store  blobstore.Store
	hooks  hooks.Hooks
	logger *slog.Logger
}

func NewLoader(store blobstore.Store, h hooks.Hooks, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, hooks: h, logger: logger}
}

// Result is one shard's loaded history.
type Result struct {
	Records    []records.HistoryRecord
	Duplicates int
}

type dateGroup struct {
	datePath string
	keys     []string
	// raw lines per object, in key order; preserved verbatim for
	// consolidation
	lines [][][]byte
	// decoded records per object
	records [][]records.HistoryRecord
}

// Load reads every stale object, deduplicates by message id, consolidates
// fragmented date-paths and applies the ModifyHistoryRecords hook.
func (l *Loader) Load(ctx context.Context, project string, objects []blobstore.ObjectInfo) (*Result, error) {
	keys := make([]string, 0, len(objects))
	for _, info := range objects {
		keys = append(keys, info.Key)
	}

	byDatePath := naming.GroupHistoryKeysByDatePath(keys)
	datePaths := make([]string, 0, len(byDatePath))
	for datePath := range byDatePath {
		datePaths = append(datePaths, datePath)
	}
	sort.Strings(datePaths)

	// Each goroutine owns one slot; no coordination needed beyond Wait.
	groups := make([]*dateGroup, len(datePaths))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, datePath := range datePaths {
		groupKeys := byDatePath[datePath]
		sort.Strings(groupKeys)
		eg.Go(func() error {
			group, err := l.loadGroup(egCtx, datePath, groupKeys)
			if err != nil {
				return err
			}
			groups[i] = group
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Dedup sequentially in sorted group order so repeated passes over
	// the same inputs see the same survivor for each message id.
	result := &Result{}
	seen := make(map[string]bool)
	for _, group := range groups {
		for _, objRecords := range group.records {
			for _, rec := range objRecords {
				if rec.MessageID == "" || seen[rec.MessageID] {
					result.Duplicates++
					continue
				}
				seen[rec.MessageID] = true
				result.Records = append(result.Records, rec)
			}
		}
	}
	if result.Duplicates > 0 {
		l.logger.Info("dropped duplicate history records",
			slog.String("project", project),
			slog.Int("duplicates", result.Duplicates),
		)
	}

	for _, group := range groups {
		if err := l.consolidate(ctx, group); err != nil {
			return nil, err
		}
	}

	modified, err := l.hooks.ModifyHistoryRecords(project, result.Records)
	if err != nil {
		return nil, fmt.Errorf("modify history records hook: %w", err)
	}
	result.Records = modified

	return result, nil
}

func (l *Loader) loadGroup(ctx context.Context, datePath string, keys []string) (*dateGroup, error) {
	group := &dateGroup{
		datePath: datePath,
		keys:     keys,
		lines:    make([][][]byte, len(keys)),
		records:  make([][]records.HistoryRecord, len(keys)),
	}
	for i, key := range keys {
		data, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read history object %q: %w", key, err)
		}
		err = blobstore.ReadJSONLGzip(data, func(line []byte) error {
			var rec records.HistoryRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("decode history line in %q: %w", key, err)
			}
			stored := make([]byte, len(line))
			copy(stored, line)
			group.lines[i] = append(group.lines[i], stored)
			group.records[i] = append(group.records[i], rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return group, nil
}

// consolidate rewrites a multi-object date-path as one canonical object
// and deletes the originals. Record contents are preserved verbatim.
func (l *Loader) consolidate(ctx context.Context, group *dateGroup) error {
	if len(group.keys) <= 1 {
		return nil
	}

	consolidatedKey := naming.ConsolidatedHistoryKey(group.keys[0])
	buf := blobstore.NewJSONLGzipBuffer()
	for _, objLines := range group.lines {
		for _, line := range objLines {
			if err := buf.AppendRaw(line); err != nil {
				return fmt.Errorf("consolidate %q: %w", group.datePath, err)
			}
		}
	}
	data, err := buf.Bytes()
	if err != nil {
		return fmt.Errorf("consolidate %q: %w", group.datePath, err)
	}
	if err := l.store.Put(ctx, consolidatedKey, data); err != nil {
		return fmt.Errorf("write consolidated object %q: %w", consolidatedKey, err)
	}

	var deleteKeys []string
	for _, key := range group.keys {
		if key != consolidatedKey {
			deleteKeys = append(deleteKeys, key)
		}
	}
	if err := l.store.Delete(ctx, deleteKeys...); err != nil {
		return fmt.Errorf("delete consolidated originals under %q: %w", group.datePath, err)
	}

	l.logger.Info("consolidated history objects",
		slog.String("date_path", group.datePath),
		slog.Int("objects", len(group.keys)),
	)
	return nil
}
