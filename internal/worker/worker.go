// Package worker runs one reward assignment pass over one shard: mark
// the registry, load and deduplicate the stale history, build rewarded
// decisions, write the partitioned output, and only then clear the
// ingestion markers that triggered the pass.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rlops/reward-assignment/internal/blobstore"
	"github.com/rlops/reward-assignment/internal/config"
	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/history"
	"github.com/rlops/reward-assignment/internal/hooks"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/registry"
	"github.com/rlops/reward-assignment/internal/reshard"
	"github.com/rlops/reward-assignment/internal/rewards"
	"github.com/rlops/reward-assignment/internal/telemetry"
)

// Worker executes assignment passes. Safe for concurrent use across
// distinct shards; passes over the same shard must not overlap.
type Worker struct {
	cfg      *config.Config
	store    blobstore.Store
	catalog  *naming.Catalog
	registry *registry.Registry
	hooks    hooks.Hooks
	loader   *history.Loader
	builder  *rewards.Builder
	reshard  reshard.Client
	stale    history.StaleFilter
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg *config.Config, store blobstore.Store, reg *registry.Registry, h hooks.Hooks, resharder reshard.Client, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		catalog:  naming.NewCatalog(store, cfg.ProjectNames()),
		registry: reg,
		hooks:    h,
		loader:   history.NewLoader(store, h, logger),
		builder:  rewards.New(h, cfg.RewardWindow(), logger),
		reshard:  resharder,
		stale:    history.AllObjects{},
		logger:   logger,
		now:      time.Now,
	}
}

// AssignRewards runs one pass for the shard the payload names. A returned
// error means the pass did not complete; the ingestion markers stay in
// place so the next dispatch tick retries the shard.
func (w *Worker) AssignRewards(ctx context.Context, payload dispatch.WorkerPayload) error {
	if payload.ProjectName == "" {
		return fmt.Errorf("worker payload missing project_name")
	}
	if payload.ShardID == "" {
		return fmt.Errorf("worker payload missing shard_id")
	}
	if _, ok := w.cfg.Project(payload.ProjectName); !ok {
		return fmt.Errorf("worker payload names unknown project %q", payload.ProjectName)
	}

	project, shard := payload.ProjectName, payload.ShardID
	logger := w.logger.With(slog.String("project", project), slog.String("shard", shard))
	started := w.now()

	// Direct invocations bypass the dispatcher, so the cool-down stamp may
	// not have been written yet.
	if !payload.LastProcessedTimestampUpdated {
		if err := w.registry.MarkProcessed(ctx, project, shard, started); err != nil {
			return err
		}
	}

	objects, err := w.catalog.ListAllHistoryShardObjectsWithMetadata(ctx, project, shard)
	if err != nil {
		return err
	}
	markerKeys, err := w.catalog.ListAllIncomingHistoryShardKeys(ctx, project, shard)
	if err != nil {
		return err
	}
	// Markers are the work signal. A completed pass deletes them, so a
	// redelivered invocation finds none and ends here without rewriting
	// any output.
	if len(markerKeys) == 0 {
		logger.Info("no pending ingestion markers, nothing to process")
		return nil
	}

	staleObjects := w.stale.Stale(objects, markerKeys)

	var totalBytes int64
	for _, info := range staleObjects {
		totalBytes += info.Size
	}
	if max := w.cfg.MaxPayloadBytes(); max > 0 && totalBytes > max {
		// Too big for one pass. Hand the shard to the reshard subsystem
		// and leave everything, markers included, untouched for the
		// post-split retry.
		telemetry.ReshardEscalations.Inc()
		logger.Warn("stale payload exceeds worker ceiling, escalating to reshard",
			slog.Int64("stale_bytes", totalBytes),
			slog.Int64("max_bytes", max),
		)
		return w.reshard.Reshard(ctx, project, shard)
	}

	loaded, err := w.loader.Load(ctx, project, staleObjects)
	if err != nil {
		return err
	}
	telemetry.DuplicatesDropped.Add(float64(loaded.Duplicates))

	built := w.builder.Build(project, loaded.Records)
	telemetry.GroupsAbandoned.Add(float64(built.AbandonedGroups))

	stats, err := w.writeRewardedDecisions(ctx, project, shard, built.Decisions)
	if err != nil {
		return err
	}

	// Markers go last: any earlier failure leaves them behind and the
	// shard re-enters the queue on the next tick.
	if err := w.store.Delete(ctx, markerKeys...); err != nil {
		return fmt.Errorf("delete incoming markers for %s/%s: %w", project, shard, err)
	}

	logger.Info("assignment pass complete",
		slog.Int("records", len(loaded.Records)),
		slog.Int("duplicates", loaded.Duplicates),
		slog.Int("abandoned_groups", built.AbandonedGroups),
		slog.Int("decisions_emitted", stats.Emitted),
		slog.Int("decisions_rewarded", stats.Rewarded),
		slog.Float64("reward_total", stats.TotalReward),
		slog.Float64("reward_max", stats.MaxReward),
		slog.Float64("reward_mean", stats.MeanReward()),
		slog.Int("markers_cleared", len(markerKeys)),
		slog.Duration("elapsed", w.now().Sub(started)),
	)
	return nil
}
