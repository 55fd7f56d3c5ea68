package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadpulse/toolhub/breaker"
	"github.com/leadpulse/toolhub/internal/cache"
	"github.com/leadpulse/toolhub/registry"
	"github.com/leadpulse/toolhub/types"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(&registry.Config{
		Breaker:             breaker.DefaultConfig(),
		HealthCheckInterval: 0,
		OfflineThreshold:    3,
	}, zap.NewNop())
	t.Cleanup(reg.Shutdown)
	return reg
}

func newTestRouter(t *testing.T, opts ...Option) (*Router, *registry.Registry) {
	reg := newTestRegistry(t)
	return New(reg, zap.NewNop(), opts...), reg
}

// fakeEngine records the workflow delegation.
type fakeEngine struct {
	name   string
	input  map[string]any
	result map[string]any
	err    error
}

func (f *fakeEngine) Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	f.name = name
	f.input = input
	return f.result, f.err
}

// ---------------------------------------------------------------------------
// Request validation
// ---------------------------------------------------------------------------

func TestRouteValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name           string
		req            Request
		wantViolations []string
	}{
		{
			name: "empty request",
			req:  Request{},
			wantViolations: []string{
				`type is required, must be "single-tool" or "workflow"`,
				"input object is required",
			},
		},
		{
			name: "unknown type",
			req:  Request{Type: "batch", Input: map[string]any{}},
			wantViolations: []string{
				`type "batch" must be "single-tool" or "workflow"`,
			},
		},
		{
			name: "single-tool without tool name",
			req:  Request{Type: TypeSingleTool, Input: map[string]any{}},
			wantViolations: []string{
				"tool_name is required for single-tool requests",
			},
		},
		{
			name: "workflow without workflow name and input",
			req:  Request{Type: TypeWorkflow},
			wantViolations: []string{
				"workflow_name is required for workflow requests",
				"input object is required",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Route(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

			var tErr *types.Error
			require.ErrorAs(t, err, &tErr)
			assert.ElementsMatch(t, tt.wantViolations, tErr.Violations)
		})
	}
}

// ---------------------------------------------------------------------------
// Single-tool routing
// ---------------------------------------------------------------------------

func TestRouteSingleToolSuccess(t *testing.T) {
	r, reg := newTestRouter(t)
	require.NoError(t, reg.Register(types.ToolConfig{
		Name: "scorer",
		InputSchema: types.NewObjectSchema().
			AddProperty("lead_id", types.NewStringSchema()).
			AddRequired("lead_id"),
	}, types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"score": 88.0, "lead": input["lead_id"]}, nil
	})))

	out, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "scorer",
		Input:    map[string]any{"lead_id": "L-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 88.0, out["score"])
	assert.Equal(t, "L-1", out["lead"])

	routing, ok := out["_routing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, TypeSingleTool, routing["type"])
	assert.NotEmpty(t, routing["request_id"])
	assert.GreaterOrEqual(t, routing["duration_ms"], int64(0))

	routedAt, ok := routing["routed_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, routedAt)
	assert.NoError(t, err)
}

func TestRouteUnknownTool(t *testing.T) {
	r, _ := newTestRouter(t)

	_, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "ghost",
		Input:    map[string]any{},
	})
	assert.Equal(t, types.ErrToolNotFound, types.GetErrorCode(err))
}

func TestRouteInputSchemaViolations(t *testing.T) {
	r, reg := newTestRouter(t)

	invoked := false
	require.NoError(t, reg.Register(types.ToolConfig{
		Name: "strict",
		InputSchema: types.NewObjectSchema().
			AddProperty("lead_id", types.NewStringSchema()).
			AddProperty("score", types.NewNumberSchema()).
			AddRequired("lead_id", "score"),
	}, types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		invoked = true
		return map[string]any{}, nil
	})))

	_, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "strict",
		Input:    map[string]any{"score": "high"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
	assert.False(t, invoked, "validation must reject before the tool runs")

	var tErr *types.Error
	require.ErrorAs(t, err, &tErr)
	// Both the missing field and the type mismatch are reported together.
	assert.Len(t, tErr.Violations, 2)
}

func TestRouteToolErrorPassesThrough(t *testing.T) {
	r, reg := newTestRouter(t)
	toolErr := errors.New("downstream 503")
	require.NoError(t, reg.Register(types.ToolConfig{Name: "broken"},
		types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, toolErr
		})))

	_, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "broken",
		Input:    map[string]any{},
	})
	assert.Same(t, toolErr, err)
}

// ---------------------------------------------------------------------------
// SLA-derived timeout
// ---------------------------------------------------------------------------

func TestRouteTimeoutFromSLA(t *testing.T) {
	r, reg := newTestRouter(t)

	// p95 of 25ms gives a 50ms deadline; the tool takes 300ms.
	require.NoError(t, reg.Register(types.ToolConfig{
		Name: "slow",
		SLA:  types.SLA{P95LatencyMs: 25},
	}, types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		time.Sleep(300 * time.Millisecond)
		return map[string]any{}, nil
	})))

	start := time.Now()
	_, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "slow",
		Input:    map[string]any{},
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, types.ErrToolTimeout, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.Less(t, elapsed, 250*time.Millisecond, "the router must stop waiting at the deadline")
}

func TestRouteFastToolWithinSLA(t *testing.T) {
	r, reg := newTestRouter(t)
	require.NoError(t, reg.Register(types.ToolConfig{
		Name: "fast",
		SLA:  types.SLA{P95LatencyMs: 200},
	}, types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})))

	out, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "fast",
		Input:    map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

// ---------------------------------------------------------------------------
// Circuit breaker integration
// ---------------------------------------------------------------------------

func TestRouteOpenBreakerShortCircuits(t *testing.T) {
	r, reg := newTestRouter(t)

	var calls atomic.Int32
	require.NoError(t, reg.Register(types.ToolConfig{Name: "flappy"},
		types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls.Add(1)
			return nil, errors.New("down")
		})))

	req := Request{Type: TypeSingleTool, ToolName: "flappy", Input: map[string]any{}}
	for i := 0; i < 5; i++ {
		_, err := r.Route(context.Background(), req)
		require.Error(t, err)
	}
	require.Equal(t, int32(5), calls.Load())

	// The sixth request is rejected by the breaker without a tool call.
	_, err := r.Route(context.Background(), req)
	require.Error(t, err)
	assert.True(t, breaker.IsOpen(err))
	assert.Equal(t, int32(5), calls.Load())
}

// ---------------------------------------------------------------------------
// Output schema
// ---------------------------------------------------------------------------

func TestRouteOutputSchemaMismatchNonFatal(t *testing.T) {
	r, reg := newTestRouter(t)
	require.NoError(t, reg.Register(types.ToolConfig{
		Name: "drifted",
		OutputSchema: types.NewObjectSchema().
			AddProperty("score", types.NewNumberSchema()).
			AddRequired("score"),
	}, types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"score": "not-a-number"}, nil
	})))

	out, err := r.Route(context.Background(), Request{
		Type:     TypeSingleTool,
		ToolName: "drifted",
		Input:    map[string]any{},
	})
	require.NoError(t, err, "output drift is logged, not failed")
	assert.Equal(t, "not-a-number", out["score"])
}

// ---------------------------------------------------------------------------
// Workflow routing
// ---------------------------------------------------------------------------

func TestRouteWorkflowWithoutEngine(t *testing.T) {
	r, _ := newTestRouter(t)

	_, err := r.Route(context.Background(), Request{
		Type:         TypeWorkflow,
		WorkflowName: "lead-scoring",
		Input:        map[string]any{},
	})
	assert.Equal(t, types.ErrEngineNotSet, types.GetErrorCode(err))
}

func TestRouteWorkflowDelegates(t *testing.T) {
	engine := &fakeEngine{result: map[string]any{"confidence": 0.8}}
	r, _ := newTestRouter(t, WithEngine(engine))

	out, err := r.Route(context.Background(), Request{
		Type:         TypeWorkflow,
		WorkflowName: "lead-scoring",
		Input:        map[string]any{"lead_id": "L-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lead-scoring", engine.name)
	assert.Equal(t, map[string]any{"lead_id": "L-9"}, engine.input)
	assert.Equal(t, 0.8, out["confidence"])
	assert.Contains(t, out, "_routing")
}

func TestRouteWorkflowErrorPropagates(t *testing.T) {
	engineErr := types.NewError(types.ErrWorkflowNotFound, "no such workflow")
	r, _ := newTestRouter(t, WithEngine(&fakeEngine{err: engineErr}))

	_, err := r.Route(context.Background(), Request{
		Type:         TypeWorkflow,
		WorkflowName: "missing",
		Input:        map[string]any{},
	})
	assert.Equal(t, types.ErrWorkflowNotFound, types.GetErrorCode(err))
}

// ---------------------------------------------------------------------------
// Response cache
// ---------------------------------------------------------------------------

func TestRouteCachesSingleToolResponses(t *testing.T) {
	srv := miniredis.RunT(t)
	responseCache, err := cache.New(cache.Config{Addr: srv.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { responseCache.Close() })

	r, reg := newTestRouter(t, WithCache(responseCache))

	var calls atomic.Int32
	require.NoError(t, reg.Register(types.ToolConfig{Name: "cached"},
		types.ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"score": 42.0}, nil
		})))

	req := Request{Type: TypeSingleTool, ToolName: "cached", Input: map[string]any{"lead_id": "L-1"}}

	out, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["score"])
	require.Equal(t, int32(1), calls.Load())

	// The identical request is served from the cache.
	out, err = r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["score"])
	assert.Equal(t, int32(1), calls.Load())

	// A different input misses and invokes the tool again.
	other := Request{Type: TypeSingleTool, ToolName: "cached", Input: map[string]any{"lead_id": "L-2"}}
	_, err = r.Route(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
