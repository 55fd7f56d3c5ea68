// Package tools ships the hub's built-in lead-scoring tools: a conversion
// probability predictor, a send-time optimizer, and a lead score
// explainer. Each is a plain heuristic port of the corresponding model
// service, exposing the standard Execute contract so they register like
// any external tool.
package tools

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/leadpulse/toolhub/aggregate"
	"github.com/leadpulse/toolhub/registry"
	"github.com/leadpulse/toolhub/types"
)

// ConversionPredictor estimates the probability that a lead converts,
// from engagement and firmographic signals.
type ConversionPredictor struct {
	ModelVersion string
}

// Execute returns {probability, confidence, model_version}. Confidence is
// max(p, 1-p): the model is most certain at the extremes.
func (p *ConversionPredictor) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	engagement := clamp01(numField(input, "engagement_score", 0.3))
	fit := clamp01(numField(input, "firmographic_fit", 0.5))
	recency := clamp01(numField(input, "recency_score", 0.5))

	// Logistic blend; weights mirror the trained model's dominant features.
	z := 2.2*engagement + 1.4*fit + 0.8*recency - 2.0
	probability := 1 / (1 + math.Exp(-z))

	return map[string]any{
		"probability":   round4(probability),
		"confidence":    round4(math.Max(probability, 1-probability)),
		"model_version": p.version(),
	}, nil
}

func (p *ConversionPredictor) version() string {
	if p.ModelVersion == "" {
		return "heuristic-1"
	}
	return p.ModelVersion
}

// SendTimeOptimizer picks the send slot with the best predicted open
// rate for a contact's industry and function.
type SendTimeOptimizer struct{}

// slot open-rate priors by weekday; business hours peak mid-morning.
var slotPriors = map[int]float64{
	8: 0.22, 9: 0.27, 10: 0.31, 11: 0.28, 12: 0.2,
	13: 0.21, 14: 0.26, 15: 0.24, 16: 0.19,
}

// Execute returns {day_of_week, hour_of_day, predicted_open_rate,
// confidence}. Unknown industries fall back to the global prior.
func (o *SendTimeOptimizer) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	industryBoost := 0.0
	if industry, ok := input["industry"].(string); ok {
		switch industry {
		case "technology", "saas":
			industryBoost = 0.03
		case "finance", "banking":
			industryBoost = 0.02
		case "retail":
			industryBoost = -0.02
		}
	}

	bestHour, bestRate := 10, 0.0
	for hour, prior := range slotPriors {
		rate := prior + industryBoost
		if rate > bestRate {
			bestHour, bestRate = hour, rate
		}
	}

	// Tuesday and Wednesday outperform; pick Tuesday as the default.
	return map[string]any{
		"day_of_week":         2,
		"hour_of_day":         bestHour,
		"predicted_open_rate": round4(bestRate),
		"confidence":          0.6,
	}, nil
}

// LeadScoreExplainer scores a lead and explains which factors pushed the
// score up or down.
type LeadScoreExplainer struct{}

type factor struct {
	name   string
	weight float64
}

var explainerFactors = []factor{
	{"engagement_score", 40},
	{"firmographic_fit", 30},
	{"intent_signals", 20},
	{"recency_score", 10},
}

// Execute returns {score, tier, confidence, top_positive_factors,
// top_negative_factors, explanation_summary}.
func (e *LeadScoreExplainer) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	score := 0.0
	type impact struct {
		Feature string  `json:"feature"`
		Impact  float64 `json:"impact"`
	}
	impacts := make([]impact, 0, len(explainerFactors))

	for _, f := range explainerFactors {
		value := clamp01(numField(input, f.name, 0.5))
		contribution := value * f.weight
		score += contribution
		// Impact is relative to the neutral midpoint of the factor.
		impacts = append(impacts, impact{Feature: f.name, Impact: round4(contribution - f.weight/2)})
	}

	sort.Slice(impacts, func(i, j int) bool { return impacts[i].Impact > impacts[j].Impact })

	var positives, negatives []any
	for _, im := range impacts {
		if im.Impact > 0 {
			positives = append(positives, map[string]any{"feature": im.Feature, "impact": im.Impact})
		} else if im.Impact < 0 {
			negatives = append(negatives, map[string]any{"feature": im.Feature, "impact": im.Impact})
		}
	}

	tier := "cold"
	switch {
	case score >= 75:
		tier = "hot"
	case score >= 50:
		tier = "warm"
	}

	return map[string]any{
		"score":                round4(score),
		"tier":                 tier,
		"confidence":           0.8,
		"top_positive_factors": positives,
		"top_negative_factors": negatives,
		"explanation_summary":  fmt.Sprintf("lead scored %.0f/100 (%s)", score, tier),
	}, nil
}

func numField(input map[string]any, key string, fallback float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// scoreSchema is the shared shape of the scoring signals.
func scoreSchema() *types.JSONSchema {
	return types.NewObjectSchema().
		AddProperty("engagement_score", types.NewNumberSchema()).
		AddProperty("firmographic_fit", types.NewNumberSchema()).
		AddProperty("intent_signals", types.NewNumberSchema()).
		AddProperty("recency_score", types.NewNumberSchema())
}

// RegisterBuiltins registers the built-in scoring tools with the registry
// and installs their extraction rules on the aggregator.
func RegisterBuiltins(reg *registry.Registry, agg *aggregate.Aggregator) error {
	zero := 0.0
	one := 1.0

	configs := []struct {
		config types.ToolConfig
		tool   types.Tool
	}{
		{
			config: types.ToolConfig{
				Name:        "conversion_predictor",
				DisplayName: "Conversion Probability Predictor",
				Version:     "1.2.0",
				InputSchema: scoreSchema(),
				OutputSchema: types.NewObjectSchema().
					AddProperty("probability", &types.JSONSchema{Type: types.SchemaTypeNumber, Minimum: &zero, Maximum: &one}).
					AddProperty("confidence", &types.JSONSchema{Type: types.SchemaTypeNumber, Minimum: &zero, Maximum: &one}).
					AddRequired("probability", "confidence"),
				SLA:              types.SLA{P50LatencyMs: 50, P95LatencyMs: 200, ErrorRateThreshold: 0.05},
				Capabilities:     []string{"scoring", "prediction"},
				HealthCheckInput: map[string]any{"engagement_score": 0.5},
			},
			tool: &ConversionPredictor{},
		},
		{
			config: types.ToolConfig{
				Name:        "sendtime_optimizer",
				DisplayName: "Send Time Optimizer",
				Version:     "1.0.3",
				InputSchema: types.NewObjectSchema().
					AddProperty("industry", types.NewStringSchema()).
					AddProperty("function", types.NewStringSchema()),
				OutputSchema: types.NewObjectSchema().
					AddProperty("day_of_week", types.NewIntegerSchema()).
					AddProperty("hour_of_day", types.NewIntegerSchema()).
					AddRequired("day_of_week", "hour_of_day"),
				SLA:              types.SLA{P50LatencyMs: 30, P95LatencyMs: 100, ErrorRateThreshold: 0.05},
				Capabilities:     []string{"scheduling"},
				HealthCheckInput: map[string]any{"industry": "technology"},
			},
			tool: &SendTimeOptimizer{},
		},
		{
			config: types.ToolConfig{
				Name:        "lead_score_explainer",
				DisplayName: "Lead Score Explainer",
				Version:     "2.1.0",
				InputSchema: scoreSchema(),
				OutputSchema: types.NewObjectSchema().
					AddProperty("score", types.NewNumberSchema()).
					AddProperty("tier", types.NewEnumSchema("hot", "warm", "cold")).
					AddRequired("score", "tier"),
				SLA:              types.SLA{P50LatencyMs: 80, P95LatencyMs: 300, ErrorRateThreshold: 0.05},
				Capabilities:     []string{"scoring", "explanation"},
				HealthCheckInput: map[string]any{"engagement_score": 0.5},
			},
			tool: &LeadScoreExplainer{},
		},
	}

	for _, c := range configs {
		if err := reg.Register(c.config, c.tool); err != nil {
			return err
		}
	}

	agg.RegisterExtractor("conversion_predictor", func(result map[string]any) map[string]any {
		return pick(result, "probability", "confidence")
	})
	agg.RegisterExtractor("sendtime_optimizer", func(result map[string]any) map[string]any {
		return pick(result, "day_of_week", "hour_of_day", "predicted_open_rate", "confidence")
	})
	agg.RegisterExtractor("lead_score_explainer", func(result map[string]any) map[string]any {
		return pick(result, "score", "tier", "confidence", "top_positive_factors", "explanation_summary")
	})

	return nil
}

func pick(result map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := result[k]; ok {
			out[k] = v
		}
	}
	return out
}
