// Package router is the hub's single routing entry point. It validates
// incoming requests, resolves single-tool calls through the registry and
// circuit breaker under an SLA-derived deadline, and delegates workflow
// requests to the workflow engine.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadpulse/toolhub/internal/cache"
	"github.com/leadpulse/toolhub/internal/metrics"
	"github.com/leadpulse/toolhub/registry"
	"github.com/leadpulse/toolhub/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Request types.
const (
	TypeSingleTool = "single-tool"
	TypeWorkflow   = "workflow"
)

// defaultCallTimeout bounds a tool call when the tool declares no p95
// latency to derive the 2x deadline from.
const defaultCallTimeout = 30 * time.Second

// Request is a routing request: a single tool call or a workflow run.
type Request struct {
	Type         string         `json:"type"`
	ToolName     string         `json:"tool_name,omitempty"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Input        map[string]any `json:"input"`
}

// Engine is the workflow engine surface the router delegates to.
type Engine interface {
	Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error)
}

// Router routes requests to tools or workflows.
type Router struct {
	registry *registry.Registry
	engine   Engine
	cache    *cache.ResponseCache
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithEngine wires the workflow engine for workflow-type requests.
func WithEngine(engine Engine) Option {
	return func(r *Router) { r.engine = engine }
}

// WithCache enables the single-tool response cache.
func WithCache(c *cache.ResponseCache) Option {
	return func(r *Router) { r.cache = c }
}

// WithMetrics enables metrics collection.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// New creates a request router.
func New(reg *registry.Registry, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		logger:   logger.With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route validates and dispatches a single request. The returned result is
// the tool/workflow's native output augmented with a `_routing` block.
func (r *Router) Route(ctx context.Context, req Request) (map[string]any, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("toolhub/router").Start(ctx, "router.route")
	defer span.End()
	span.SetAttributes(attribute.String("request.type", req.Type))

	start := time.Now()

	var result map[string]any
	var err error
	switch req.Type {
	case TypeSingleTool:
		result, err = r.routeSingleTool(ctx, req)
	case TypeWorkflow:
		result, err = r.routeWorkflow(ctx, req)
	}

	duration := time.Since(start)
	if err != nil {
		r.recordRoute(req.Type, "error", duration)
		return nil, err
	}
	r.recordRoute(req.Type, "success", duration)

	if result == nil {
		result = map[string]any{}
	}
	result["_routing"] = map[string]any{
		"type":        req.Type,
		"duration_ms": duration.Milliseconds(),
		"routed_at":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  uuid.NewString(),
	}
	return result, nil
}

// validateRequest checks the request's structure and reports every
// violation at once rather than failing on the first field.
func validateRequest(req Request) error {
	var violations []string

	switch req.Type {
	case TypeSingleTool:
		if req.ToolName == "" {
			violations = append(violations, "tool_name is required for single-tool requests")
		}
	case TypeWorkflow:
		if req.WorkflowName == "" {
			violations = append(violations, "workflow_name is required for workflow requests")
		}
	case "":
		violations = append(violations, fmt.Sprintf("type is required, must be %q or %q", TypeSingleTool, TypeWorkflow))
	default:
		violations = append(violations, fmt.Sprintf("type %q must be %q or %q", req.Type, TypeSingleTool, TypeWorkflow))
	}

	if req.Input == nil {
		violations = append(violations, "input object is required")
	}

	if len(violations) > 0 {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("invalid request: %s", strings.Join(violations, "; "))).
			WithViolations(violations)
	}
	return nil
}

func (r *Router) routeSingleTool(ctx context.Context, req Request) (map[string]any, error) {
	entry, err := r.registry.Get(req.ToolName)
	if err != nil {
		return nil, err
	}

	if violations := entry.Metadata.InputSchema.Validate(anyMap(req.Input)); len(violations) > 0 {
		return nil, types.NewError(types.ErrInvalidInput,
			fmt.Sprintf("invalid input for tool %q: %s", req.ToolName, strings.Join(violations, "; "))).
			WithTool(req.ToolName).
			WithViolations(violations)
	}

	if r.cache != nil {
		key := cache.Key(req.ToolName, req.Input)
		if cached, err := r.cache.Get(ctx, key); err == nil {
			r.recordCacheHit()
			r.logger.Debug("serving cached tool response", zap.String("tool", req.ToolName))
			return cached, nil
		}
		r.recordCacheMiss()
	}

	timeout := entry.Metadata.SLA.CallTimeout(defaultCallTimeout)
	start := time.Now()

	// The breaker-gated call races the timer; a timeout stops the wait
	// but never cancels the underlying call, which may still complete
	// with side effects afterwards.
	result, err := r.raceWithTimeout(ctx, req.ToolName, timeout, func(ctx context.Context) (map[string]any, error) {
		return entry.Breaker.Execute(ctx, func(ctx context.Context) (map[string]any, error) {
			return entry.Tool.Execute(ctx, req.Input)
		})
	})

	duration := time.Since(start)
	if err != nil {
		r.recordTool(req.ToolName, "error", duration)
		return nil, err
	}
	r.recordTool(req.ToolName, "success", duration)

	// An output-schema mismatch is non-fatal; the result is returned
	// as-is with a warning.
	if violations := entry.Metadata.OutputSchema.Validate(anyMap(result)); len(violations) > 0 {
		r.logger.Warn("tool output does not match declared schema",
			zap.String("tool", req.ToolName),
			zap.Strings("violations", violations),
		)
	}

	if r.cache != nil {
		key := cache.Key(req.ToolName, req.Input)
		if err := r.cache.Set(ctx, key, result, 0); err != nil {
			r.logger.Warn("failed to cache tool response", zap.String("tool", req.ToolName), zap.Error(err))
		}
	}

	return result, nil
}

func (r *Router) routeWorkflow(ctx context.Context, req Request) (map[string]any, error) {
	if r.engine == nil {
		return nil, types.NewError(types.ErrEngineNotSet,
			"workflow engine is not configured on this router")
	}
	return r.engine.Execute(ctx, req.WorkflowName, req.Input)
}

// raceWithTimeout runs fn in a goroutine and returns whichever finishes
// first: the call or the timer. The goroutine writes to a buffered
// channel so it never blocks after the race is lost.
func (r *Router) raceWithTimeout(ctx context.Context, toolName string, timeout time.Duration, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(ctx)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		r.logger.Warn("tool call exceeded deadline",
			zap.String("tool", toolName),
			zap.Duration("timeout", timeout),
		)
		return nil, types.NewError(types.ErrToolTimeout,
			fmt.Sprintf("tool %q timed out after %s", toolName, timeout)).
			WithTool(toolName).
			WithRetryable(true)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) recordRoute(requestType, status string, duration time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordRouteRequest(requestType, status, duration)
	}
}

func (r *Router) recordTool(tool, status string, duration time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordToolExecution(tool, status, duration)
	}
}

func (r *Router) recordCacheHit() {
	if r.metrics != nil {
		r.metrics.RecordCacheHit("tool_response")
	}
}

func (r *Router) recordCacheMiss() {
	if r.metrics != nil {
		r.metrics.RecordCacheMiss("tool_response")
	}
}

// anyMap widens a typed map for schema validation.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
