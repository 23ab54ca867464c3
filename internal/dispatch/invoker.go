// Package dispatch carries the worker invocation contract: the payload a
// dispatched worker receives and the fire-and-forget port the dispatcher
// hands it to. Delivery is at-least-once; the worker is idempotent.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// WorkerPayload is the input of one assignment pass.
type WorkerPayload struct {
	ProjectName                   string `json:"project_name"`
	ShardID                       string `json:"shard_id"`
	LastProcessedTimestampUpdated bool   `json:"last_processed_timestamp_updated"`
}

// Invoker enqueues a worker invocation. Invoke returns once the payload
// is accepted for delivery, not once the worker ran.
type Invoker interface {
	Invoke(ctx context.Context, payload WorkerPayload) error
}

// Handler runs one assignment pass.
type Handler func(ctx context.Context, payload WorkerPayload) error

// InProcess delivers payloads to a bounded pool of goroutines running
// the handler in the same process.
type InProcess struct {
	handler Handler
	logger  *slog.Logger
	queue   chan WorkerPayload
	wg      sync.WaitGroup
	once    sync.Once
}

// NewInProcess starts workers goroutines consuming the queue.
func NewInProcess(handler Handler, workers int, logger *slog.Logger) *InProcess {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &InProcess{
		handler: handler,
		logger:  logger,
		queue:   make(chan WorkerPayload, workers*4),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *InProcess) run() {
	defer p.wg.Done()
	for payload := range p.queue {
		if err := p.handler(context.Background(), payload); err != nil {
			p.logger.Error("worker invocation failed",
				slog.String("project", payload.ProjectName),
				slog.String("shard", payload.ShardID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *InProcess) Invoke(ctx context.Context, payload WorkerPayload) error {
	select {
	case p.queue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and waits for in-flight passes.
func (p *InProcess) Close() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}

var _ Invoker = (*InProcess)(nil)

// HTTP posts payloads to a worker endpoint in a background goroutine,
// matching the original's asynchronous lambda invocation.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTP(endpoint string, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Minute},
		logger:   logger,
	}
}

func (h *HTTP) Invoke(ctx context.Context, payload WorkerPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal worker payload: %w", err)
	}
	// Fire and forget: the dispatch succeeds once the payload is on the
	// wire. Failures surface in the worker's own logs and through the
	// markers that stay behind for the next tick.
	go func() {
		req, err := http.NewRequest(http.MethodPost, h.endpoint, bytes.NewReader(body))
		if err != nil {
			h.logger.Error("build worker request", slog.String("error", err.Error()))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.client.Do(req)
		if err != nil {
			h.logger.Error("deliver worker payload",
				slog.String("shard", payload.ShardID),
				slog.String("error", err.Error()),
			)
			return
		}
		resp.Body.Close()
	}()
	return nil
}

var _ Invoker = (*HTTP)(nil)
