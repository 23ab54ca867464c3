package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlops/reward-assignment/internal/blobstore"
	"github.com/rlops/reward-assignment/internal/blobstore/memory"
	"github.com/rlops/reward-assignment/internal/config"
	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/hooks"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/records"
	"github.com/rlops/reward-assignment/internal/registry"
)

type reshardRecorder struct {
	escalated []string
	continued [][]string
}

func (r *reshardRecorder) Reshard(ctx context.Context, project, shard string) error {
	r.escalated = append(r.escalated, project+"/"+shard)
	return nil
}

func (r *reshardRecorder) ContinueReshard(ctx context.Context, project string, parents []string, force bool) error {
	r.continued = append(r.continued, parents)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Assign: config.AssignConfig{
			RewardWindowSeconds: 3600,
			WorkerCount:         4,
		},
		Projects: []config.ProjectConfig{{
			Name: "p",
			Models: map[string]string{
				"default":  "base-model",
				"messages": "messages-model",
			},
		}},
	}
}

func testWorker(t *testing.T, cfg *config.Config, store blobstore.Store, resharder *reshardRecorder) (*Worker, *registry.Registry) {
	t.Helper()
	reg, err := registry.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	w := New(cfg, store, reg, hooks.Identity{}, resharder, nil)
	w.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }
	return w, reg
}

func putHistory(t *testing.T, store blobstore.Store, key string, lines ...string) {
	t.Helper()
	buf := blobstore.NewJSONLGzipBuffer()
	for _, line := range lines {
		require.NoError(t, buf.AppendRaw([]byte(line)))
	}
	data, err := buf.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, data))
	require.NoError(t, store.Put(context.Background(), naming.IncomingHistoryKey(key), []byte("{}")))
}

func storeKeys(t *testing.T, store blobstore.Store, prefix string) []string {
	t.Helper()
	infos, err := store.List(context.Background(), prefix)
	require.NoError(t, err)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}

func readRewarded(t *testing.T, store blobstore.Store, key string) []records.RewardedDecision {
	t.Helper()
	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	var out []records.RewardedDecision
	require.NoError(t, blobstore.ReadJSONLGzip(data, func(line []byte) error {
		var r records.RewardedDecision
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	}))
	return out
}

func TestAssignRewards_EndToEnd(t *testing.T) {
	store := memory.New()
	putHistory(t, store, "histories/p/0/2024/03/09/a.jsonl.gz",
		`{"timestamp":"2024-03-09T10:00:00Z","message_id":"m1","history_id":"h1","type":"decision","chosen":"greeting"}`,
		`{"timestamp":"2024-03-09T10:30:00Z","message_id":"m2","history_id":"h1","type":"rewards","rewards":{"reward":1.5}}`,
	)

	w, reg := testWorker(t, testConfig(), store, &reshardRecorder{})
	require.NoError(t, w.AssignRewards(context.Background(), dispatch.WorkerPayload{
		ProjectName: "p",
		ShardID:     "0",
	}))

	outKeys := storeKeys(t, store, "rewarded_decisions/p/base-model/0/2024-03-09/")
	require.Len(t, outKeys, 1)
	rewarded := readRewarded(t, store, outKeys[0])
	require.Len(t, rewarded, 1)
	assert.Equal(t, "m1", rewarded[0].MessageID)
	assert.Equal(t, "h1", rewarded[0].HistoryID)
	require.NotNil(t, rewarded[0].Reward)
	assert.Equal(t, 1.5, *rewarded[0].Reward)

	assert.Empty(t, storeKeys(t, store, "histories_incoming/p/0/"), "markers cleared after a completed pass")

	// The payload did not claim the stamp was written, so the worker did.
	last, err := reg.LastProcessed(context.Background(), "p")
	require.NoError(t, err)
	assert.Contains(t, last, "0")
}

func TestAssignRewards_SecondRunIsNoOp(t *testing.T) {
	store := memory.New()
	putHistory(t, store, "histories/p/0/2024/03/09/a.jsonl.gz",
		`{"timestamp":"2024-03-09T10:00:00Z","message_id":"m1","history_id":"h1","type":"decision"}`,
	)

	w, _ := testWorker(t, testConfig(), store, &reshardRecorder{})
	payload := dispatch.WorkerPayload{ProjectName: "p", ShardID: "0", LastProcessedTimestampUpdated: true}
	require.NoError(t, w.AssignRewards(context.Background(), payload))

	firstOutputs := storeKeys(t, store, "rewarded_decisions/")
	require.Len(t, firstOutputs, 1)

	require.NoError(t, w.AssignRewards(context.Background(), payload))
	assert.Equal(t, firstOutputs, storeKeys(t, store, "rewarded_decisions/"),
		"redelivered invocation finds no markers and writes nothing")
}

func TestAssignRewards_OversizePayloadEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.Assign.WorkerMaxPayloadMB = 1

	store := memory.New()
	putHistory(t, store, "histories/p/0/2024/03/09/a.jsonl.gz",
		`{"timestamp":"2024-03-09T10:00:00Z","message_id":"m1","history_id":"h1","type":"decision"}`,
	)
	// A second object pushes the shard past the 1 MB ceiling. The escalate
	// path never reads it, so opaque bytes are fine.
	require.NoError(t, store.Put(context.Background(),
		"histories/p/0/2024/03/08/big.jsonl.gz", make([]byte, 2<<20)))

	resharder := &reshardRecorder{}
	w, _ := testWorker(t, cfg, store, resharder)
	require.NoError(t, w.AssignRewards(context.Background(), dispatch.WorkerPayload{
		ProjectName: "p", ShardID: "0", LastProcessedTimestampUpdated: true,
	}))

	assert.Equal(t, []string{"p/0"}, resharder.escalated)
	assert.Empty(t, storeKeys(t, store, "rewarded_decisions/"), "no output before the split")
	assert.Len(t, storeKeys(t, store, "histories_incoming/p/0/"), 1,
		"markers stay for the post-split retry")
}

func TestAssignRewards_RoutesDomainsToModels(t *testing.T) {
	store := memory.New()
	putHistory(t, store, "histories/p/0/2024/03/09/a.jsonl.gz",
		`{"timestamp":"2024-03-09T10:00:00Z","message_id":"m1","history_id":"h1","type":"decision","domain":"messages"}`,
		`{"timestamp":"2024-03-09T10:00:01Z","message_id":"m2","history_id":"h1","type":"decision","domain":"themes"}`,
	)

	w, _ := testWorker(t, testConfig(), store, &reshardRecorder{})
	require.NoError(t, w.AssignRewards(context.Background(), dispatch.WorkerPayload{
		ProjectName: "p", ShardID: "0", LastProcessedTimestampUpdated: true,
	}))

	assert.Len(t, storeKeys(t, store, "rewarded_decisions/p/messages-model/0/"), 1)
	assert.Len(t, storeKeys(t, store, "rewarded_decisions/p/base-model/0/"), 1,
		"unmapped domain falls back to the default model")
}

func TestAssignRewards_RejectsInvalidPayloads(t *testing.T) {
	w, _ := testWorker(t, testConfig(), memory.New(), &reshardRecorder{})
	ctx := context.Background()

	assert.Error(t, w.AssignRewards(ctx, dispatch.WorkerPayload{ShardID: "0"}))
	assert.Error(t, w.AssignRewards(ctx, dispatch.WorkerPayload{ProjectName: "p"}))
	assert.Error(t, w.AssignRewards(ctx, dispatch.WorkerPayload{ProjectName: "ghost", ShardID: "0"}))
}

func TestAssignRewards_SkipsRegistryStampWhenAlreadyUpdated(t *testing.T) {
	store := memory.New()
	w, reg := testWorker(t, testConfig(), store, &reshardRecorder{})
	require.NoError(t, w.AssignRewards(context.Background(), dispatch.WorkerPayload{
		ProjectName: "p", ShardID: "0", LastProcessedTimestampUpdated: true,
	}))

	last, err := reg.LastProcessed(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, last)
}
