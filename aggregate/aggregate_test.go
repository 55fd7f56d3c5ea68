package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func newTestAggregator() *Aggregator {
	return New(zap.NewNop())
}

// ---------------------------------------------------------------------------
// Envelope shape
// ---------------------------------------------------------------------------

func TestAggregateEnvelope(t *testing.T) {
	a := newTestAggregator()

	out := a.Aggregate(map[string]map[string]any{
		"scorer": {"score": 82.0, "confidence": 0.9},
	}, Metadata{Workflow: "lead-scoring", Version: "3"})

	assert.Equal(t, "lead-scoring", out["workflow"])
	assert.Equal(t, "3", out["workflow_version"])
	assert.Equal(t, 0.9, out["confidence"])

	executedAt, ok := out["executed_at"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, executedAt)
	assert.NoError(t, err)

	results, ok := out["results"].(map[string]any)
	require.True(t, ok)
	scorer, ok := results["scorer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 82.0, scorer["score"])
}

func TestAggregateEmptyInput(t *testing.T) {
	a := newTestAggregator()

	out := a.Aggregate(map[string]map[string]any{}, Metadata{Workflow: "empty"})
	assert.Equal(t, defaultConfidence, out["confidence"])
	assert.Empty(t, out["results"])
}

// ---------------------------------------------------------------------------
// Confidence combination
// ---------------------------------------------------------------------------

func TestGeometricMeanConfidence(t *testing.T) {
	a := newTestAggregator()

	out := a.Aggregate(map[string]map[string]any{
		"a": {"v": 1, "confidence": 0.9},
		"b": {"v": 2, "confidence": 0.8},
		"c": {"v": 3, "confidence": 0.85},
	}, Metadata{})

	// (0.9 * 0.8 * 0.85)^(1/3) = 0.8493..., rounded to 0.85.
	assert.Equal(t, 0.85, out["confidence"])
}

func TestConfidenceLookupOrder(t *testing.T) {
	tests := []struct {
		name   string
		result map[string]any
		want   float64
		wantOK bool
	}{
		{
			name:   "top-level confidence wins",
			result: map[string]any{"confidence": 0.7, "metadata": map[string]any{"confidence": 0.2}},
			want:   0.7,
			wantOK: true,
		},
		{
			name:   "metadata fallback",
			result: map[string]any{"metadata": map[string]any{"confidence": 0.6}},
			want:   0.6,
			wantOK: true,
		},
		{
			name:   "meta fallback",
			result: map[string]any{"meta": map[string]any{"confidence": 0.4}},
			want:   0.4,
			wantOK: true,
		},
		{
			name:   "absent defaults to 0.5",
			result: map[string]any{"value": 1},
			want:   defaultConfidence,
			wantOK: true,
		},
		{
			name:   "integer confidence accepted",
			result: map[string]any{"confidence": 1},
			want:   1.0,
			wantOK: true,
		},
		{
			name:   "zero discarded",
			result: map[string]any{"confidence": 0.0},
			wantOK: false,
		},
		{
			name:   "negative discarded",
			result: map[string]any{"confidence": -0.3},
			wantOK: false,
		},
		{
			name:   "above one discarded",
			result: map[string]any{"confidence": 1.5},
			wantOK: false,
		},
		{
			name:   "non-numeric skipped, falls back to default",
			result: map[string]any{"confidence": "high"},
			want:   defaultConfidence,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractConfidence(tt.result)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestAllConfidencesInvalidDefaultsAggregate(t *testing.T) {
	a := newTestAggregator()

	out := a.Aggregate(map[string]map[string]any{
		"a": {"v": 1, "confidence": 0.0},
		"b": {"v": 2, "confidence": 2.0},
	}, Metadata{})

	assert.Equal(t, defaultConfidence, out["confidence"])
}

func TestCombineConfidenceProperties(t *testing.T) {
	a := newTestAggregator()

	t.Run("order independent", rapid.MakeCheck(func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		values := make([]float64, n)
		for i := range values {
			values[i] = rapid.Float64Range(0.01, 1).Draw(t, "c")
		}

		reversed := make([]float64, n)
		for i, v := range values {
			reversed[n-1-i] = v
		}

		assert.InDelta(t, a.combineConfidence(values), a.combineConfidence(reversed), 0.01)
	}))

	t.Run("bounded by min and max", rapid.MakeCheck(func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		values := make([]float64, n)
		lo, hi := 1.0, 0.0
		for i := range values {
			v := rapid.Float64Range(0.01, 1).Draw(t, "c")
			values[i] = v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}

		combined := a.combineConfidence(values)
		// Rounding to 2 decimals can nudge the mean past the bounds.
		assert.GreaterOrEqual(t, combined, lo-0.005)
		assert.LessOrEqual(t, combined, hi+0.005)
	}))
}

// ---------------------------------------------------------------------------
// Error and skipped results
// ---------------------------------------------------------------------------

func TestErrorResultsPassThrough(t *testing.T) {
	a := newTestAggregator()

	failed := map[string]any{"error": "tool timed out", "confidence": 0.99}
	skipped := map[string]any{"error": "unavailable", "skipped": true, "optional": true}

	out := a.Aggregate(map[string]map[string]any{
		"good":    {"v": 1, "confidence": 0.8},
		"failed":  failed,
		"skipped": skipped,
	}, Metadata{})

	results := out["results"].(map[string]any)
	assert.Equal(t, failed, results["failed"])
	assert.Equal(t, skipped, results["skipped"])

	// Error results contribute no confidence, even if they declare one.
	assert.Equal(t, 0.8, out["confidence"])

	// And they never show up in the merged metadata block.
	metadata := out["metadata"].(map[string]any)
	assert.Contains(t, metadata, "good")
	assert.NotContains(t, metadata, "failed")
	assert.NotContains(t, metadata, "skipped")
}

func TestNilResultSkipped(t *testing.T) {
	a := newTestAggregator()

	out := a.Aggregate(map[string]map[string]any{"ghost": nil}, Metadata{})
	assert.Empty(t, out["results"])
}

// ---------------------------------------------------------------------------
// Extractors
// ---------------------------------------------------------------------------

func TestRegisteredExtractorUsed(t *testing.T) {
	a := newTestAggregator()
	a.RegisterExtractor("scorer", func(result map[string]any) map[string]any {
		return map[string]any{"score": result["score"]}
	})

	out := a.Aggregate(map[string]map[string]any{
		"scorer": {"score": 90.0, "debug": "noise", "confidence": 0.9},
	}, Metadata{})

	results := out["results"].(map[string]any)
	assert.Equal(t, map[string]any{"score": 90.0}, results["scorer"])
}

func TestDefaultExtractorStripsInternalFields(t *testing.T) {
	got := DefaultExtractor(map[string]any{
		"score":     1,
		"metadata":  map[string]any{"x": 1},
		"meta":      map[string]any{"y": 2},
		"_routing":  map[string]any{},
		"_workflow": map[string]any{},
		"_internal": true,
	})
	assert.Equal(t, map[string]any{"score": 1}, got)
}

// ---------------------------------------------------------------------------
// Metadata merging
// ---------------------------------------------------------------------------

func TestMergeMetadata(t *testing.T) {
	a := newTestAggregator()

	out := a.Aggregate(map[string]map[string]any{
		"scorer": {
			"score":         77.0,
			"model_version": "v4",
			"confidence":    0.8,
			"metadata":      map[string]any{"rule_version": "r2", "adjusted": true},
		},
	}, Metadata{
		Workflow:       "lead-scoring",
		ExecutionTimes: map[string]int64{"scorer": 42},
		DecisionIDs:    map[string]string{"scorer": "dec-123"},
	})

	metadata := out["metadata"].(map[string]any)
	scorer, ok := metadata["scorer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dec-123", scorer["decision_id"])
	assert.Equal(t, int64(42), scorer["execution_time_ms"])
	// model_version at the top level overrides the nested rule_version.
	assert.Equal(t, "v4", scorer["rule_version"])
	assert.Equal(t, true, scorer["adjusted"])
}
