// Package reshard is the client port for the external resharding
// subsystem. The core only ever invokes it by name: escalate one shard,
// or ask it to continue unfinished parent splits.
package reshard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client is the surface the dispatcher and worker call.
type Client interface {
	// Reshard escalates a shard whose stale payload exceeded the worker
	// ceiling.
	Reshard(ctx context.Context, project, shard string) error
	// ContinueReshard asks the subsystem to push unfinished parent
	// splits forward. force bypasses the subsystem's own throttling.
	ContinueReshard(ctx context.Context, project string, parents []string, force bool) error
}

// HTTPClient invokes the subsystem over HTTP, fire-and-forget: a 2xx
// acknowledgement is all the core needs.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPClient(endpoint string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (c *HTTPClient) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal reshard request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build reshard request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke reshard subsystem: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reshard subsystem returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Reshard(ctx context.Context, project, shard string) error {
	c.logger.Info("escalating shard to reshard subsystem",
		slog.String("project", project),
		slog.String("shard", shard),
	)
	return c.post(ctx, map[string]any{
		"project_name": project,
		"shard_id":     shard,
	})
}

func (c *HTTPClient) ContinueReshard(ctx context.Context, project string, parents []string, force bool) error {
	if len(parents) == 0 {
		return nil
	}
	return c.post(ctx, map[string]any{
		"project_name":     project,
		"parent_shard_ids": parents,
		"force_continue":   force,
	})
}

var _ Client = (*HTTPClient)(nil)

// Noop disables resharding; escalations are logged and dropped. Used
// when no endpoint is configured and in tests.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) Reshard(ctx context.Context, project, shard string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("reshard requested but no reshard endpoint configured",
		slog.String("project", project),
		slog.String("shard", shard),
	)
	return nil
}

func (n Noop) ContinueReshard(ctx context.Context, project string, parents []string, force bool) error {
	return nil
}

var _ Client = Noop{}
