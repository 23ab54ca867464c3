// Package dispatcher runs the periodic control tick: per project, it
// classifies the live shard set, pushes unfinished splits forward, and
// dispatches workers for the shards with pending ingestion markers,
// oldest-processed first, under a fixed per-tick budget.
package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rlops/reward-assignment/internal/config"
	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/registry"
	"github.com/rlops/reward-assignment/internal/reshard"
	"github.com/rlops/reward-assignment/internal/telemetry"
)

// Event is the trigger of one dispatch tick.
type Event struct {
	// ForceProcessing dispatches every pending shard, ignoring the worker
	// budget, the cool-down and the stability requirement.
	ForceProcessing bool `json:"force_processing,omitempty"`
	// ForceContinueReshard makes the reshard subsystem continue parent
	// splits even inside its own throttling window.
	ForceContinueReshard bool `json:"force_continue_reshard,omitempty"`
}

// Dispatcher runs dispatch ticks. One tick at a time per deployment;
// overlapping ticks would double-dispatch shards.
type Dispatcher struct {
	cfg      *config.Config
	catalog  *naming.Catalog
	registry *registry.Registry
	reshard  reshard.Client
	invoker  dispatch.Invoker
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg *config.Config, catalog *naming.Catalog, reg *registry.Registry, resharder reshard.Client, invoker dispatch.Invoker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		catalog:  catalog,
		registry: reg,
		reshard:  resharder,
		invoker:  invoker,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch runs one tick over every configured project concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, project := range d.catalog.AllProjects() {
		eg.Go(func() error {
			return d.dispatchProject(egCtx, project, event)
		})
	}
	return eg.Wait()
}

func (d *Dispatcher) dispatchProject(ctx context.Context, project string, event Event) error {
	shards, err := d.catalog.ListAllShards(ctx, project)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		d.logger.Info("project has no shards yet", slog.String("project", project))
		return nil
	}
	lastProcessed, err := d.registry.LastProcessed(ctx, project)
	if err != nil {
		return err
	}

	sort.Strings(shards)
	groups := registry.GroupShards(shards)

	eg, egCtx := errgroup.WithContext(ctx)
	if len(groups.Parents) > 0 {
		eg.Go(func() error {
			return d.reshard.ContinueReshard(egCtx, project, groups.Parents, event.ForceContinueReshard)
		})
	}
	eg.Go(func() error {
		return d.dispatchAssignRewardsIfNecessary(egCtx, project, groups.StableSet(), lastProcessed, event.ForceProcessing)
	})
	return eg.Wait()
}

type pendingShard struct {
	shard string
	last  time.Time
}

// dispatchAssignRewardsIfNecessary dispatches workers for the shards with
// pending markers, fairest first. Marking and invoking run concurrently:
// the stamp must land even when delivery fails, otherwise a flapping
// shard could monopolize every tick.
func (d *Dispatcher) dispatchAssignRewardsIfNecessary(ctx context.Context, project string, stable map[string]bool, lastProcessed map[string]time.Time, force bool) error {
	incoming, err := d.catalog.ListAllIncomingHistoryShards(ctx, project)
	if err != nil {
		return err
	}
	if len(incoming) == 0 {
		return nil
	}

	pending := make([]pendingShard, 0, len(incoming))
	for _, shard := range incoming {
		// Never-processed shards sort first with the zero time.
		pending = append(pending, pendingShard{shard: shard, last: lastProcessed[shard]})
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].last.Equal(pending[j].last) {
			return pending[i].shard < pending[j].shard
		}
		return pending[i].last.Before(pending[j].last)
	})

	now := d.now()
	coolDown := d.cfg.ReprocessWait()
	remaining := d.cfg.WorkerBudget()
	suppressed := 0

	for _, p := range pending {
		if !force {
			if remaining <= 0 {
				suppressed++
				continue
			}
			if !stable[p.shard] {
				// Mid-split shards wait until resharding settles.
				suppressed++
				continue
			}
			if now.Sub(p.last) < coolDown {
				suppressed++
				continue
			}
		}
		remaining--

		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return d.registry.MarkProcessed(egCtx, project, p.shard, now)
		})
		eg.Go(func() error {
			return d.invoker.Invoke(egCtx, dispatch.WorkerPayload{
				ProjectName:                   project,
				ShardID:                       p.shard,
				LastProcessedTimestampUpdated: true,
			})
		})
		if err := eg.Wait(); err != nil {
			// The shard keeps its markers; the next tick retries it.
			d.logger.Error("dispatch failed",
				slog.String("project", project),
				slog.String("shard", p.shard),
				slog.String("error", err.Error()),
			)
			continue
		}
		telemetry.WorkersDispatched.Inc()
		d.logger.Info("dispatched assignment worker",
			slog.String("project", project),
			slog.String("shard", p.shard),
		)
	}

	if suppressed > 0 {
		telemetry.ShardsSuppressed.Add(float64(suppressed))
		d.logger.Info("suppressed pending shards",
			slog.String("project", project),
			slog.Int("suppressed", suppressed),
		)
	}
	return nil
}
