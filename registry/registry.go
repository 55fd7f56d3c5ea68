// Package registry holds the hub's registered tools: metadata, the loaded
// tool instance, and one exclusively-owned circuit breaker per tool. It
// also runs the periodic health checker that classifies each tool as
// healthy, degraded, or offline.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leadpulse/toolhub/breaker"
	"github.com/leadpulse/toolhub/types"
	"go.uber.org/zap"
)

// Entry is a registered tool: metadata, the tool instance, its dedicated
// circuit breaker, and the original registration config (kept to re-derive
// the health-check input).
type Entry struct {
	Metadata *types.ToolMetadata
	Tool     types.Tool
	Breaker  *breaker.Breaker
	Config   types.ToolConfig
}

// Config configures the registry.
type Config struct {
	// Breaker holds the defaults applied to every tool's circuit breaker.
	Breaker *breaker.Config

	// HealthCheckInterval is the period between health sweeps. Zero
	// disables the background checker.
	HealthCheckInterval time.Duration

	// HealthCheckRate caps how many synthetic health calls are launched
	// per second across the sweep, so a large registry does not burst.
	HealthCheckRate float64

	// OfflineThreshold is the consecutive-failure count at which a tool
	// is marked offline rather than degraded.
	OfflineThreshold int
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() *Config {
	return &Config{
		Breaker:             breaker.DefaultConfig(),
		HealthCheckInterval: 60 * time.Second,
		HealthCheckRate:     10,
		OfflineThreshold:    3,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Health     types.HealthState
	Capability string
}

// Registry is the in-memory, single-process tool registry.
type Registry struct {
	config *Config
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	stopHealth chan struct{}
	healthDone chan struct{}
	started    bool
	stopOnce   sync.Once
}

// New creates a tool registry. Call Start to launch the health checker.
func New(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Breaker == nil {
		config.Breaker = breaker.DefaultConfig()
	}
	if config.OfflineThreshold <= 0 {
		config.OfflineThreshold = 3
	}

	return &Registry{
		config:     config,
		logger:     logger.With(zap.String("component", "registry")),
		entries:    make(map[string]*Entry),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
}

// Register stores a tool under its configured name. Registering a
// duplicate name overwrites the prior entry (last-write-wins).
func (r *Registry) Register(config types.ToolConfig, tool types.Tool) error {
	if config.Name == "" {
		return fmt.Errorf("tool config missing name")
	}
	if tool == nil {
		return fmt.Errorf("tool %q has no instance", config.Name)
	}

	bc := *r.config.Breaker
	entry := &Entry{
		Metadata: &types.ToolMetadata{
			Name:         config.Name,
			DisplayName:  config.DisplayName,
			Version:      config.Version,
			InputSchema:  config.InputSchema,
			OutputSchema: config.OutputSchema,
			SLA:          config.SLA,
			Capabilities: config.Capabilities,
			Health:       types.HealthHealthy,
		},
		Tool:    tool,
		Breaker: breaker.New(config.Name, &bc, r.logger),
		Config:  config,
	}

	r.mu.Lock()
	_, replaced := r.entries[config.Name]
	r.entries[config.Name] = entry
	r.mu.Unlock()

	r.logger.Info("tool registered",
		zap.String("tool", config.Name),
		zap.String("version", config.Version),
		zap.Bool("replaced", replaced),
	)

	return nil
}

// Get returns the full entry for a tool, or ToolNotFound enumerating the
// known names, or ToolOffline when the health checker has taken the tool
// out of rotation.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return nil, types.NewError(types.ErrToolNotFound,
			fmt.Sprintf("tool %q not found, known tools: %s", name, strings.Join(r.Names(), ", "))).
			WithTool(name)
	}

	r.mu.RLock()
	health := entry.Metadata.Health
	failures := entry.Metadata.ConsecutiveFailures
	lastCheck := entry.Metadata.LastHealthCheck
	r.mu.RUnlock()

	if health == types.HealthOffline {
		return nil, types.NewError(types.ErrToolOffline,
			fmt.Sprintf("tool %q is offline after %d consecutive health check failures (last check %s)",
				name, failures, lastCheck.Format(time.RFC3339))).
			WithTool(name)
	}

	return entry, nil
}

// List returns metadata snapshots for tools matching the filter.
func (r *Registry) List(filter Filter) []types.ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.ToolMetadata, 0, len(r.entries))
	for _, entry := range r.entries {
		if filter.Health != "" && entry.Metadata.Health != filter.Health {
			continue
		}
		if filter.Capability != "" && !hasCapability(entry.Metadata.Capabilities, filter.Capability) {
			continue
		}
		result = append(result, *entry.Metadata)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names returns the sorted registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetToolHealth clears a tool's health failures and resets its breaker,
// for manual recovery.
func (r *Registry) ResetToolHealth(name string) error {
	r.mu.Lock()
	entry, exists := r.entries[name]
	if exists {
		entry.Metadata.Health = types.HealthHealthy
		entry.Metadata.ConsecutiveFailures = 0
	}
	r.mu.Unlock()

	if !exists {
		return types.NewError(types.ErrToolNotFound,
			fmt.Sprintf("tool %q not found, known tools: %s", name, strings.Join(r.Names(), ", "))).
			WithTool(name)
	}

	entry.Breaker.Reset()
	r.logger.Info("tool health reset", zap.String("tool", name))
	return nil
}

// Shutdown stops the health checker and clears the registry.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopHealth)
	})

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.healthDone
	}

	r.mu.Lock()
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	r.logger.Info("registry shut down")
}

func hasCapability(capabilities []string, want string) bool {
	for _, c := range capabilities {
		if c == want {
			return true
		}
	}
	return false
}
