package worker

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rlops/reward-assignment/internal/blobstore"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/records"
	"github.com/rlops/reward-assignment/internal/telemetry"
)

// passStats summarizes one pass's output for logs and metrics.
type passStats struct {
	Emitted     int
	Rewarded    int
	TotalReward float64
	MaxReward   float64
}

func (s *passStats) MeanReward() float64 {
	if s.Emitted == 0 {
		return 0
	}
	return s.TotalReward / float64(s.Emitted)
}

type partitionBuffer struct {
	key string
	buf *blobstore.JSONLGzipBuffer
}

// writeRewardedDecisions projects, validates and writes the pass output,
// one gzipped JSONL object per (project, model, shard, date) partition.
// Any error is fatal to the pass: nothing partial is acceptable as
// training input, so the caller keeps the markers and retries whole.
func (w *Worker) writeRewardedDecisions(ctx context.Context, project, shard string, decisions []*records.DecisionRecord) (*passStats, error) {
	stats := &passStats{}
	// Model resolution is cached per pass; the mapping is static config
	// plus a hook that only depends on the decision's domain in practice.
	modelCache := make(map[string]string)
	partitions := make(map[string]*partitionBuffer)

	for _, d := range decisions {
		rewarded, err := w.hooks.ModifyRewardedAction(project, d.Rewarded())
		if err != nil {
			return nil, fmt.Errorf("modify rewarded action hook: %w", err)
		}
		if err := rewarded.Validate(); err != nil {
			return nil, err
		}

		model := w.hooks.ModelNameForAction(d)
		if model == "" {
			cached, ok := modelCache[d.Domain]
			if !ok {
				cached, err = w.cfg.ModelForDomain(project, d.Domain)
				if err != nil {
					return nil, err
				}
				modelCache[d.Domain] = cached
			}
			model = cached
		}

		partition := naming.RewardedDecisionPartition(project, model, shard, d.TimestampDate)
		pb, ok := partitions[partition]
		if !ok {
			pb = &partitionBuffer{
				key: naming.RewardedDecisionKey(project, model, shard, d.TimestampDate),
				buf: blobstore.NewJSONLGzipBuffer(),
			}
			partitions[partition] = pb
		}
		if err := pb.buf.Append(rewarded); err != nil {
			return nil, fmt.Errorf("encode rewarded decision %q: %w", rewarded.MessageID, err)
		}

		stats.Emitted++
		reward := 0.0
		if rewarded.Reward != nil {
			reward = *rewarded.Reward
		}
		if reward != 0 {
			stats.Rewarded++
		}
		stats.TotalReward += reward
		if reward > stats.MaxReward {
			stats.MaxReward = reward
		}
		telemetry.PassReward.Observe(reward)
	}

	keys := make([]string, 0, len(partitions))
	for partition := range partitions {
		keys = append(keys, partition)
	}
	sort.Strings(keys)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, partition := range keys {
		pb := partitions[partition]
		eg.Go(func() error {
			data, err := pb.buf.Bytes()
			if err != nil {
				return fmt.Errorf("finalize output %q: %w", pb.key, err)
			}
			if err := w.store.Put(egCtx, pb.key, data); err != nil {
				return fmt.Errorf("write output %q: %w", pb.key, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	telemetry.DecisionsEmitted.Add(float64(stats.Emitted))
	telemetry.DecisionsRewarded.Add(float64(stats.Rewarded))
	return stats, nil
}
