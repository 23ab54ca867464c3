package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlops/reward-assignment/internal/blobstore"
	"github.com/rlops/reward-assignment/internal/blobstore/memory"
	"github.com/rlops/reward-assignment/internal/config"
	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/registry"
)

type invokerRecorder struct {
	mu       sync.Mutex
	payloads []dispatch.WorkerPayload
}

func (r *invokerRecorder) Invoke(ctx context.Context, payload dispatch.WorkerPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *invokerRecorder) shards() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.ShardID)
	}
	return out
}

type reshardRecorder struct {
	mu        sync.Mutex
	continued [][]string
	forced    []bool
}

func (r *reshardRecorder) Reshard(ctx context.Context, project, shard string) error { return nil }

func (r *reshardRecorder) ContinueReshard(ctx context.Context, project string, parents []string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continued = append(r.continued, parents)
	r.forced = append(r.forced, force)
	return nil
}

func testConfig(workers int) *config.Config {
	return &config.Config{
		Assign: config.AssignConfig{
			RewardWindowSeconds: 3600,
			WorkerCount:         workers,
		},
		Projects: []config.ProjectConfig{{
			Name:   "p",
			Models: map[string]string{"default": "base-model"},
		}},
	}
}

func addShard(t *testing.T, store blobstore.Store, project, shard string, pending bool) {
	t.Helper()
	key := fmt.Sprintf("histories/%s/%s/2024/03/09/a.jsonl.gz", project, shard)
	require.NoError(t, store.Put(context.Background(), key, []byte("x")))
	if pending {
		require.NoError(t, store.Put(context.Background(), naming.IncomingHistoryKey(key), []byte("{}")))
	}
}

func testDispatcher(t *testing.T, cfg *config.Config, store blobstore.Store) (*Dispatcher, *invokerRecorder, *reshardRecorder, *registry.Registry) {
	t.Helper()
	reg, err := registry.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	invoker := &invokerRecorder{}
	resharder := &reshardRecorder{}
	d := New(cfg, naming.NewCatalog(store, cfg.ProjectNames()), reg, resharder, invoker, nil)
	d.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }
	return d, invoker, resharder, reg
}

func TestDispatch_OldestProcessedFirstUnderBudget(t *testing.T) {
	store := memory.New()
	addShard(t, store, "p", "0", true)
	addShard(t, store, "p", "1", true)
	addShard(t, store, "p", "2", true)

	d, invoker, _, reg := testDispatcher(t, testConfig(2), store)
	ctx := context.Background()
	// Shard 0 was processed most recently; 2 never.
	require.NoError(t, reg.MarkProcessed(ctx, "p", "0", d.now().Add(-time.Hour)))
	require.NoError(t, reg.MarkProcessed(ctx, "p", "1", d.now().Add(-2*time.Hour)))

	require.NoError(t, d.Dispatch(ctx, Event{}))
	assert.Equal(t, []string{"2", "1"}, invoker.shards(),
		"never-processed shard first, then the longest-waiting; budget of two cuts shard 0")

	for _, p := range invoker.payloads {
		assert.Equal(t, "p", p.ProjectName)
		assert.True(t, p.LastProcessedTimestampUpdated)
	}

	// Dispatched shards were stamped at dispatch time.
	last, err := reg.LastProcessed(ctx, "p")
	require.NoError(t, err)
	assert.True(t, last["1"].Equal(d.now()))
	assert.True(t, last["2"].Equal(d.now()))
}

func TestDispatch_CoolDownSuppresses(t *testing.T) {
	cfg := testConfig(4)
	cfg.Assign.ReprocessWaitSeconds = 3600

	store := memory.New()
	addShard(t, store, "p", "0", true)

	d, invoker, _, reg := testDispatcher(t, cfg, store)
	ctx := context.Background()
	require.NoError(t, reg.MarkProcessed(ctx, "p", "0", d.now().Add(-time.Minute)))

	require.NoError(t, d.Dispatch(ctx, Event{}))
	assert.Empty(t, invoker.shards(), "shard inside its cool-down window is not dispatched")

	require.NoError(t, d.Dispatch(ctx, Event{ForceProcessing: true}))
	assert.Equal(t, []string{"0"}, invoker.shards(), "force_processing overrides the cool-down")
}

func TestDispatch_MidSplitShards(t *testing.T) {
	store := memory.New()
	addShard(t, store, "p", "0", true)
	addShard(t, store, "p", "00", true)
	addShard(t, store, "p", "01", true)
	addShard(t, store, "p", "1", true)

	d, invoker, resharder, _ := testDispatcher(t, testConfig(4), store)
	require.NoError(t, d.Dispatch(context.Background(), Event{}))

	assert.Equal(t, []string{"1"}, invoker.shards(),
		"parent and children of an unfinished split are not dispatched")
	require.Len(t, resharder.continued, 1)
	assert.Equal(t, []string{"0"}, resharder.continued[0])
	assert.False(t, resharder.forced[0])
}

func TestDispatch_ForceContinueReshard(t *testing.T) {
	store := memory.New()
	addShard(t, store, "p", "0", false)
	addShard(t, store, "p", "00", false)

	d, _, resharder, _ := testDispatcher(t, testConfig(4), store)
	require.NoError(t, d.Dispatch(context.Background(), Event{ForceContinueReshard: true}))

	require.Len(t, resharder.forced, 1)
	assert.True(t, resharder.forced[0])
}

func TestDispatch_ProjectWithoutShardsIsSkipped(t *testing.T) {
	d, invoker, resharder, _ := testDispatcher(t, testConfig(4), memory.New())
	require.NoError(t, d.Dispatch(context.Background(), Event{}))
	assert.Empty(t, invoker.shards())
	assert.Empty(t, resharder.continued)
}

func TestDispatch_NoPendingMarkers(t *testing.T) {
	store := memory.New()
	addShard(t, store, "p", "0", false)

	d, invoker, _, _ := testDispatcher(t, testConfig(4), store)
	require.NoError(t, d.Dispatch(context.Background(), Event{}))
	assert.Empty(t, invoker.shards(), "history without markers needs no pass")
}
