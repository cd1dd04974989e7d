package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trinity-platform/trinity/core"
)

// TaskRequest is one resolved agent call.
type TaskRequest struct {
	Agent        string            `json:"agent"`
	Message      string            `json:"message"`
	Model        string            `json:"model,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	Timeout      time.Duration     `json:"-"`
	Headers      map[string]string `json:"-"` // origin attribution + idempotency key
}

// TaskResponse is the agent's reply.
type TaskResponse struct {
	Response string        `json:"response"`
	Duration time.Duration `json:"duration"`
	Cost     float64       `json:"cost,omitempty"`
}

// AgentClient is the engine's view of the agent runtime. Errors are
// classified with the core sentinels: ErrAgentTimeout, ErrTransient (5xx,
// network), ErrPermanent (non-retriable 4xx).
type AgentClient interface {
	Task(ctx context.Context, req *TaskRequest) (*TaskResponse, error)

	// Cancel issues a best-effort cancel for an in-flight task.
	Cancel(ctx context.Context, agent, idempotencyKey string) error
}

// AddressResolver maps an agent name to its base URL.
type AddressResolver func(agent string) (string, error)

// HTTPAgentClient talks to agent containers over HTTP.
type HTTPAgentClient struct {
	resolve    AddressResolver
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPAgentClient creates a client. The overall per-call deadline comes
// from the request context; the http.Client timeout is only a backstop.
func NewHTTPAgentClient(resolve AddressResolver, logger core.Logger) *HTTPAgentClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HTTPAgentClient{
		resolve: resolve,
		httpClient: &http.Client{
			Timeout: 25 * time.Hour, // context carries the real deadline
		},
		logger: logger,
	}
}

type agentTaskBody struct {
	Message      string   `json:"message"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Task issues a single task call to the agent and classifies failures.
func (c *HTTPAgentClient) Task(ctx context.Context, req *TaskRequest) (*TaskResponse, error) {
	base, err := c.resolve(req.Agent)
	if err != nil {
		return nil, fmt.Errorf("agent %s: resolving address: %w", req.Agent, core.ErrPermanent)
	}

	body, err := json.Marshal(agentTaskBody{
		Message:      req.Message,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: marshaling request: %w", req.Agent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/task", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent %s: creating request: %w", req.Agent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent %s: %w", req.Agent, core.ErrAgentTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("agent %s: %v: %w", req.Agent, err, core.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agent %s: reading response: %w", req.Agent, core.ErrTransient)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("agent %s: status %d: %w", req.Agent, resp.StatusCode, core.ErrAgentTimeout)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("agent %s: status %d: %w", req.Agent, resp.StatusCode, core.ErrTransient)
	default:
		return nil, fmt.Errorf("agent %s: status %d: %s: %w", req.Agent, resp.StatusCode, truncate(respBody, 256), core.ErrPermanent)
	}

	out := &TaskResponse{Duration: time.Since(start)}

	// Agents reply either with a JSON envelope carrying response/cost or
	// with a raw body; accept both.
	var envelope struct {
		Response string  `json:"response"`
		Cost     float64 `json:"cost"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Response != "" {
		out.Response = envelope.Response
		out.Cost = envelope.Cost
	} else {
		out.Response = string(respBody)
	}
	return out, nil
}

// Cancel posts a cancel request; failures are logged, not propagated, since
// cancellation is best-effort by contract.
func (c *HTTPAgentClient) Cancel(ctx context.Context, agent, idempotencyKey string) error {
	base, err := c.resolve(agent)
	if err != nil {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"idempotency_key": idempotencyKey})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/cancel", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("Agent cancel failed", map[string]interface{}{
			"agent": agent,
			"error": err.Error(),
		})
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
