// Package aggregate merges heterogeneous tool outputs from a workflow run
// into one response envelope with a combined confidence score. Aggregation
// is a pure function over its inputs; it performs no I/O.
package aggregate

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultConfidence is assumed for a tool result that declares none, and
// is the aggregate fallback when no valid confidences exist at all.
const defaultConfidence = 0.5

// Extractor curates the subset of a tool's output that belongs in the
// aggregated response, instead of echoing the tool's full payload.
type Extractor func(result map[string]any) map[string]any

// Metadata carries workflow-level context into the envelope.
type Metadata struct {
	Workflow string
	Version  string

	// ExecutionTimes maps tool name to execution duration in ms,
	// recorded by the engine for observability.
	ExecutionTimes map[string]int64

	// DecisionIDs maps tool name to the decision id assigned by the
	// engine for this run's step.
	DecisionIDs map[string]string
}

// Aggregator combines per-tool results. Extraction rules are registered
// per tool name so adding a tool never means editing a central switch.
type Aggregator struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	logger     *zap.Logger
}

// New creates an aggregator with no per-tool extraction rules; tools fall
// through to the default extractor until RegisterExtractor is called.
func New(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		extractors: make(map[string]Extractor),
		logger:     logger.With(zap.String("component", "aggregator")),
	}
}

// RegisterExtractor installs the extraction rule for a tool name.
func (a *Aggregator) RegisterExtractor(toolName string, extractor Extractor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extractors[toolName] = extractor
}

// Aggregate merges the per-tool result map into one envelope:
//
//	{workflow, workflow_version, executed_at, results, confidence, metadata}
//
// Confidence is the geometric mean of the valid per-tool confidences, so
// one badly uncertain tool pulls the combined score down sharply.
func (a *Aggregator) Aggregate(toolResults map[string]map[string]any, meta Metadata) map[string]any {
	extracted := make(map[string]any, len(toolResults))
	confidences := make([]float64, 0, len(toolResults))

	for toolName, result := range toolResults {
		if result == nil {
			continue
		}

		// Failed or skipped steps pass through without field extraction.
		if isErrorResult(result) {
			extracted[toolName] = result
			continue
		}

		if c, ok := extractConfidence(result); ok {
			confidences = append(confidences, c)
		}
		extracted[toolName] = a.extract(toolName, result)
	}

	return map[string]any{
		"workflow":         meta.Workflow,
		"workflow_version": meta.Version,
		"executed_at":      time.Now().UTC().Format(time.RFC3339),
		"results":          extracted,
		"confidence":       a.combineConfidence(confidences),
		"metadata":         a.mergeMetadata(toolResults, meta),
	}
}

func (a *Aggregator) extract(toolName string, result map[string]any) map[string]any {
	a.mu.RLock()
	extractor, ok := a.extractors[toolName]
	a.mu.RUnlock()

	if ok {
		return extractor(result)
	}
	return DefaultExtractor(result)
}

// DefaultExtractor returns everything except internal metadata fields.
func DefaultExtractor(result map[string]any) map[string]any {
	out := make(map[string]any, len(result))
	for k, v := range result {
		switch k {
		case "metadata", "meta", "_routing", "_workflow", "_internal":
			continue
		}
		out[k] = v
	}
	return out
}

// combineConfidence computes the geometric mean of the per-tool
// confidences, rounded to 2 decimals. A single very low confidence
// pulls the combined score down more than an arithmetic mean would.
func (a *Aggregator) combineConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		a.logger.Warn("no valid confidence values, defaulting aggregate confidence",
			zap.Float64("default", defaultConfidence),
		)
		return defaultConfidence
	}

	logSum := 0.0
	for _, c := range confidences {
		logSum += math.Log(c)
	}
	mean := math.Exp(logSum / float64(len(confidences)))
	return math.Round(mean*100) / 100
}

// extractConfidence looks up a result's confidence, checked in order:
// confidence, metadata.confidence, meta.confidence, then the default.
// Values outside (0, 1] are discarded entirely.
func extractConfidence(result map[string]any) (float64, bool) {
	candidates := []any{result["confidence"]}
	if m, ok := result["metadata"].(map[string]any); ok {
		candidates = append(candidates, m["confidence"])
	}
	if m, ok := result["meta"].(map[string]any); ok {
		candidates = append(candidates, m["confidence"])
	}

	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		c, ok := toFloat(candidate)
		if !ok {
			continue
		}
		if c > 0 && c <= 1 {
			return c, true
		}
		return 0, false
	}
	return defaultConfidence, true
}

// mergeMetadata builds per-tool observability bookkeeping keyed by tool
// name. It never participates in control flow.
func (a *Aggregator) mergeMetadata(toolResults map[string]map[string]any, meta Metadata) map[string]any {
	merged := make(map[string]any, len(toolResults))

	for toolName, result := range toolResults {
		if result == nil || isErrorResult(result) {
			continue
		}

		entry := map[string]any{}
		if id, ok := meta.DecisionIDs[toolName]; ok {
			entry["decision_id"] = id
		}
		if ms, ok := meta.ExecutionTimes[toolName]; ok {
			entry["execution_time_ms"] = ms
		}
		if m, ok := result["metadata"].(map[string]any); ok {
			if v, ok := m["rule_version"]; ok {
				entry["rule_version"] = v
			}
			if v, ok := m["adjusted"]; ok {
				entry["adjusted"] = v
			}
		}
		if v, ok := result["model_version"]; ok {
			entry["rule_version"] = v
		}

		merged[toolName] = entry
	}

	return merged
}

func isErrorResult(result map[string]any) bool {
	if _, ok := result["error"]; ok {
		return true
	}
	if skipped, ok := result["skipped"].(bool); ok && skipped {
		return true
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
