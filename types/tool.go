package types

import (
	"context"
	"time"
)

// Tool is the opaque unit of work the hub orchestrates. Implementations
// receive a decoded input object and return an output object; idempotency
// is the tool's own responsibility (the hub guarantees at-least-once).
type Tool interface {
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f ToolFunc) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// HealthState classifies a tool's reachability as judged by the
// periodic health checker. It is independent of the circuit breaker.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// SLA holds a tool's declared latency and error-rate targets. The router
// derives the per-call timeout from P95LatencyMs.
type SLA struct {
	P50LatencyMs       int     `yaml:"p50_latency_ms" json:"p50_latency_ms"`
	P95LatencyMs       int     `yaml:"p95_latency_ms" json:"p95_latency_ms"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`
}

// ToolConfig is the registration contract for a tool.
type ToolConfig struct {
	Name             string         `yaml:"name" json:"name"`
	DisplayName      string         `yaml:"display_name" json:"display_name"`
	Version          string         `yaml:"version" json:"version"`
	InputSchema      *JSONSchema    `yaml:"input_schema" json:"input_schema"`
	OutputSchema     *JSONSchema    `yaml:"output_schema" json:"output_schema"`
	SLA              SLA            `yaml:"sla" json:"sla"`
	Capabilities     []string       `yaml:"capabilities" json:"capabilities"`
	HealthCheckInput map[string]any `yaml:"health_check_input" json:"health_check_input"`
}

// ToolMetadata is the registry's view of a registered tool. It is owned
// by the registry and mutated only by registration and health checks.
type ToolMetadata struct {
	Name         string      `json:"name"`
	DisplayName  string      `json:"display_name"`
	Version      string      `json:"version"`
	InputSchema  *JSONSchema `json:"input_schema,omitempty"`
	OutputSchema *JSONSchema `json:"output_schema,omitempty"`
	SLA          SLA         `json:"sla"`
	Capabilities []string    `json:"capabilities,omitempty"`

	Health              HealthState `json:"health"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastHealthCheck     time.Time   `json:"last_health_check"`
}

// CallTimeout returns the per-call deadline derived from the declared
// p95 latency (2x p95), falling back to the given default when the SLA
// does not declare one.
func (s SLA) CallTimeout(fallback time.Duration) time.Duration {
	if s.P95LatencyMs <= 0 {
		return fallback
	}
	return 2 * time.Duration(s.P95LatencyMs) * time.Millisecond
}
