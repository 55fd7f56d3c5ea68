// Package workflow composes registered tools into multi-step workflows
// with dependency ordering, per-step retry and fallback policy, and
// confidence-weighted response aggregation.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leadpulse/toolhub/aggregate"
	"github.com/leadpulse/toolhub/internal/metrics"
	"github.com/leadpulse/toolhub/registry"
	"github.com/leadpulse/toolhub/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// defaultStepTimeout bounds a step call when the workflow config does
// not declare a timeout.
const defaultStepTimeout = 30 * time.Second

// Engine resolves workflow definitions into execution plans and runs
// them against the tool registry, one step at a time in plan order.
type Engine struct {
	registry   *registry.Registry
	aggregator *aggregate.Aggregator
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*Definition
}

// New creates a workflow engine. The metrics collector may be nil.
func New(reg *registry.Registry, agg *aggregate.Aggregator, collector *metrics.Collector, logger *zap.Logger) *Engine {
	return &Engine{
		registry:   reg,
		aggregator: agg,
		metrics:    collector,
		logger:     logger.With(zap.String("component", "workflow_engine")),
		workflows:  make(map[string]*Definition),
	}
}

// RegisterWorkflow validates and stores a definition under its name.
// Registering the same name again overwrites the prior definition.
func (e *Engine) RegisterWorkflow(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	_, replaced := e.workflows[def.Name]
	e.workflows[def.Name] = &def
	e.mu.Unlock()

	e.logger.Info("workflow registered",
		zap.String("workflow", def.Name),
		zap.String("version", def.Version),
		zap.Int("steps", len(def.Steps)),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// Names returns the sorted registered workflow names.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named workflow: builds the dependency-respecting plan,
// executes each step through retry, circuit breaker, and timeout wrapping,
// and aggregates the per-tool results into one envelope carrying a
// `_workflow` execution summary.
func (e *Engine) Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, exists := e.workflows[name]
	e.mu.RUnlock()

	if !exists {
		return nil, types.NewError(types.ErrWorkflowNotFound,
			fmt.Sprintf("workflow %q not found, known workflows: %s", name, strings.Join(e.Names(), ", ")))
	}

	plan, err := buildPlan(def)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("toolhub/workflow").Start(ctx, "workflow.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.name", def.Name),
		attribute.String("workflow.version", def.Version),
		attribute.Int("workflow.steps", len(plan)),
	)

	executionID := uuid.NewString()
	start := time.Now()

	e.logger.Info("workflow execution started",
		zap.String("workflow", def.Name),
		zap.String("execution_id", executionID),
		zap.Int("plan_steps", len(plan)),
	)

	run := &workflowRun{
		stepContext: map[string]any{
			"input":   input,
			"results": map[string]any{},
		},
		byTool:      make(map[string]map[string]any, len(plan)),
		execTimes:   make(map[string]int64, len(plan)),
		decisionIDs: make(map[string]string, len(plan)),
	}

	for _, step := range plan {
		run.executed++
		if err := e.executeStep(ctx, def, step, run); err != nil {
			e.recordWorkflow(def.Name, "error", time.Since(start))
			e.logger.Error("workflow execution aborted",
				zap.String("workflow", def.Name),
				zap.String("execution_id", executionID),
				zap.String("step", step.ID),
				zap.Error(err),
			)
			return nil, err
		}
	}

	duration := time.Since(start)
	response := e.aggregator.Aggregate(run.byTool, aggregate.Metadata{
		Workflow:       def.Name,
		Version:        def.Version,
		ExecutionTimes: run.execTimes,
		DecisionIDs:    run.decisionIDs,
	})
	response["_workflow"] = map[string]any{
		"id":                executionID,
		"steps_executed":    run.executed,
		"steps_successful":  run.succeeded,
		"steps_failed":      run.failed,
		"total_duration_ms": duration.Milliseconds(),
	}

	e.recordWorkflow(def.Name, "success", duration)
	e.logger.Info("workflow execution completed",
		zap.String("workflow", def.Name),
		zap.String("execution_id", executionID),
		zap.Int("steps_executed", run.executed),
		zap.Int("steps_failed", run.failed),
		zap.Duration("duration", duration),
	)

	return response, nil
}

// workflowRun is the per-execution bookkeeping threaded through steps.
type workflowRun struct {
	stepContext map[string]any
	byTool      map[string]map[string]any
	execTimes   map[string]int64
	decisionIDs map[string]string

	executed  int
	succeeded int
	failed    int
}

// executeStep runs one step through retry(breaker(timeout(execute))) and
// applies the step's optional/fallback policy on exhaustion. A non-nil
// return aborts the whole workflow.
func (e *Engine) executeStep(ctx context.Context, def *Definition, step *Step, run *workflowRun) error {
	toolInput := e.resolveInput(def, step, run.stepContext)

	stepStart := time.Now()
	result, err := e.runWithRetry(ctx, def, step, toolInput)
	elapsed := time.Since(stepStart).Milliseconds()

	if err == nil {
		run.succeeded++
		run.byTool[step.ToolName] = result
		run.stepContext["results"].(map[string]any)[step.ID] = result
		run.execTimes[step.ToolName] = elapsed
		run.decisionIDs[step.ToolName] = uuid.NewString()
		e.recordStep(def.Name, step.ToolName, "success")
		return nil
	}

	run.failed++
	e.recordStep(def.Name, step.ToolName, "error")

	if step.Fallback != nil {
		if step.Fallback.DefaultResult != nil {
			e.logger.Warn("step failed, substituting fallback default",
				zap.String("workflow", def.Name),
				zap.String("step", step.ID),
				zap.Error(err),
			)
			run.byTool[step.ToolName] = step.Fallback.DefaultResult
			run.stepContext["results"].(map[string]any)[step.ID] = step.Fallback.DefaultResult
			return nil
		}
		if step.Fallback.Strategy == FallbackSkip && step.Fallback.OnFailure == "continue" {
			e.logger.Warn("step failed, skipping per fallback strategy",
				zap.String("workflow", def.Name),
				zap.String("step", step.ID),
				zap.Error(err),
			)
			return nil
		}
	}

	if step.Optional {
		e.logger.Warn("optional step failed, continuing",
			zap.String("workflow", def.Name),
			zap.String("step", step.ID),
			zap.Error(err),
		)
		run.byTool[step.ToolName] = map[string]any{
			"error":    err.Error(),
			"skipped":  true,
			"optional": true,
		}
		return nil
	}

	return types.NewError(types.ErrRequiredStepFailed,
		fmt.Sprintf("required step %q (tool %q) failed: %s", step.ID, step.ToolName, err.Error())).
		WithTool(step.ToolName).
		WithCause(err)
}

// resolveInput evaluates the step's input mapping against the run
// context. A path that resolves to no value logs a warning and omits the
// field; it never fails the step.
func (e *Engine) resolveInput(def *Definition, step *Step, stepContext map[string]any) map[string]any {
	toolInput := make(map[string]any, len(step.InputMapping))
	for field, expr := range step.InputMapping {
		value, ok := resolvePath(stepContext, expr)
		if !ok {
			e.logger.Warn("input mapping path resolved to no value, omitting field",
				zap.String("workflow", def.Name),
				zap.String("step", step.ID),
				zap.String("field", field),
				zap.String("path", expr),
			)
			continue
		}
		toolInput[field] = value
	}
	return toolInput
}

// runWithRetry fetches the tool once, then re-invokes the breaker+timeout
// wrapped call up to the policy's max retries, waiting the policy backoff
// between attempts.
func (e *Engine) runWithRetry(ctx context.Context, def *Definition, step *Step, toolInput map[string]any) (map[string]any, error) {
	entry, err := e.registry.Get(step.ToolName)
	if err != nil {
		return nil, err
	}

	timeout := defaultStepTimeout
	if def.Config.TimeoutMs > 0 {
		timeout = time.Duration(def.Config.TimeoutMs) * time.Millisecond
	}

	maxRetries := def.Config.RetryPolicy.MaxRetries
	backoffMs := def.Config.RetryPolicy.BackoffMs
	strategy := BackoffFixed
	if step.Retry != nil {
		maxRetries = step.Retry.MaxRetries
		backoffMs = step.Retry.BackoffMs
		if step.Retry.Strategy != "" {
			strategy = step.Retry.Strategy
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(strategy, backoffMs, attempt)):
			}
		}

		result, err := entry.Breaker.Execute(ctx, func(ctx context.Context) (map[string]any, error) {
			return callWithTimeout(ctx, entry.Tool, toolInput, timeout, step.ToolName)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		e.logger.Warn("step attempt failed",
			zap.String("workflow", def.Name),
			zap.String("step", step.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries+1),
			zap.Error(err),
		)
	}

	return nil, lastErr
}

// backoffDelay computes the wait before the given retry attempt (1-based).
func backoffDelay(strategy string, backoffMs, attempt int) time.Duration {
	base := time.Duration(backoffMs) * time.Millisecond
	switch strategy {
	case BackoffExponential:
		return base * time.Duration(1<<(attempt-1))
	case BackoffLinear:
		return base * time.Duration(attempt)
	default:
		return base
	}
}

// callWithTimeout races the tool call against a timer. A timeout stops
// the caller from waiting but does not cancel the underlying call: the
// tool contract has no cancellation primitive, so a timed-out call may
// still complete with side effects. The call goroutine writes to a
// buffered channel so it never blocks after the race is lost.
func callWithTimeout(ctx context.Context, tool types.Tool, input map[string]any, timeout time.Duration, toolName string) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(ctx, input)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		return nil, types.NewError(types.ErrToolTimeout,
			fmt.Sprintf("tool %q timed out after %s", toolName, timeout)).
			WithTool(toolName).
			WithRetryable(true)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) recordWorkflow(workflow, status string, duration time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(workflow, status, duration)
	}
}

func (e *Engine) recordStep(workflow, tool, status string) {
	if e.metrics != nil {
		e.metrics.RecordStepExecution(workflow, tool, status)
	}
}
