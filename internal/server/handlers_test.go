package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlops/reward-assignment/internal/blobstore"
	"github.com/rlops/reward-assignment/internal/blobstore/memory"
	"github.com/rlops/reward-assignment/internal/config"
	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/dispatcher"
	"github.com/rlops/reward-assignment/internal/hooks"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/registry"
	"github.com/rlops/reward-assignment/internal/reshard"
	"github.com/rlops/reward-assignment/internal/worker"
)

type nopInvoker struct{}

func (nopInvoker) Invoke(ctx context.Context, payload dispatch.WorkerPayload) error { return nil }

func testRouter(t *testing.T, store blobstore.Store) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Assign: config.AssignConfig{RewardWindowSeconds: 3600, WorkerCount: 2},
		Projects: []config.ProjectConfig{{
			Name:   "p",
			Models: map[string]string{"default": "base-model"},
		}},
	}
	reg, err := registry.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	logger := slog.Default()
	catalog := naming.NewCatalog(store, cfg.ProjectNames())
	w := worker.New(cfg, store, reg, hooks.Identity{}, reshard.Noop{}, logger)
	d := dispatcher.New(cfg, catalog, reg, reshard.Noop{}, nopInvoker{}, logger)

	r := chi.NewRouter()
	NewHandler(d, w, logger).Register(r)
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleAssign(t *testing.T) {
	store := memory.New()
	key := "histories/p/0/2024/03/09/a.jsonl.gz"
	buf := blobstore.NewJSONLGzipBuffer()
	require.NoError(t, buf.AppendRaw([]byte(`{"timestamp":"2024-03-09T10:00:00Z","message_id":"m1","history_id":"h1","type":"decision"}`)))
	data, err := buf.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, data))
	require.NoError(t, store.Put(context.Background(), naming.IncomingHistoryKey(key), []byte("{}")))

	handler := testRouter(t, store)
	rec := doRequest(t, handler, http.MethodPost, "/v1/assign", `{"project_name":"p","shard_id":"0"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	infos, err := store.List(context.Background(), "rewarded_decisions/")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestHandleAssign_BadRequests(t *testing.T) {
	handler := testRouter(t, memory.New())

	rec := doRequest(t, handler, http.MethodPost, "/v1/assign", `{"shard_id":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing project_name")

	rec = doRequest(t, handler, http.MethodPost, "/v1/assign", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/v1/assign", `{"project_name":"ghost","shard_id":"0"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "unknown project fails the pass")
}

func TestHandleDispatch_EmptyBody(t *testing.T) {
	handler := testRouter(t, memory.New())
	rec := doRequest(t, handler, http.MethodPost, "/v1/dispatch", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	handler := testRouter(t, memory.New())
	rec := doRequest(t, handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	handler := testRouter(t, memory.New())
	rec := doRequest(t, handler, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reward_assignment_decisions_emitted_total")
}
