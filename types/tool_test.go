package types

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolFuncAdapter(t *testing.T) {
	var tool Tool = ToolFunc(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"echo": input["v"]}, nil
	})

	out, err := tool.Execute(context.Background(), map[string]any{"v": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, out["echo"])
}

func TestSLACallTimeout(t *testing.T) {
	tests := []struct {
		name string
		sla  SLA
		want time.Duration
	}{
		{"derived from p95", SLA{P95LatencyMs: 600}, 1200 * time.Millisecond},
		{"small p95", SLA{P95LatencyMs: 50}, 100 * time.Millisecond},
		{"zero p95 falls back", SLA{}, 30 * time.Second},
		{"negative p95 falls back", SLA{P95LatencyMs: -1}, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sla.CallTimeout(30*time.Second))
		})
	}
}
