package registry

import (
	"context"
	"time"

	"github.com/leadpulse/toolhub/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// defaultHealthTimeout bounds a health check when the tool declares no
// p95 latency to derive the 2x deadline from.
const defaultHealthTimeout = 10 * time.Second

// Start launches the background health checker. It is a no-op when the
// configured interval is zero.
func (r *Registry) Start() {
	if r.config.HealthCheckInterval <= 0 {
		return
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.healthLoop()
}

func (r *Registry) healthLoop() {
	defer close(r.healthDone)

	ticker := time.NewTicker(r.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopHealth:
			return
		case <-ticker.C:
			r.CheckAll(context.Background())
		}
	}
}

// CheckAll runs one health sweep across every registered tool. Checks run
// concurrently and independently; one tool's failure never blocks the
// others. The sweep is paced by the configured rate limit.
func (r *Registry) CheckAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	limit := rate.Limit(r.config.HealthCheckRate)
	if limit <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, 1)

	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			r.checkOne(ctx, entry)
			// Health check outcomes only mutate registry status; they
			// never propagate and never touch the circuit breaker.
			return nil
		})
	}
	_ = g.Wait()
}

// checkOne invokes the tool with its configured health-check input under
// a 2x p95 deadline and updates the entry's health classification.
func (r *Registry) checkOne(ctx context.Context, entry *Entry) {
	timeout := entry.Metadata.SLA.CallTimeout(defaultHealthTimeout)
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := entry.Config.HealthCheckInput
	if input == nil {
		input = map[string]any{}
	}

	type outcome struct{ err error }
	done := make(chan outcome, 1)
	go func() {
		_, err := entry.Tool.Execute(checkCtx, input)
		done <- outcome{err: err}
	}()

	var err error
	select {
	case <-checkCtx.Done():
		err = checkCtx.Err()
	case o := <-done:
		err = o.err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry.Metadata.LastHealthCheck = time.Now()

	if err == nil {
		if entry.Metadata.Health != types.HealthHealthy {
			r.logger.Info("tool recovered",
				zap.String("tool", entry.Metadata.Name),
				zap.String("previous", string(entry.Metadata.Health)),
			)
		}
		entry.Metadata.Health = types.HealthHealthy
		entry.Metadata.ConsecutiveFailures = 0
		return
	}

	entry.Metadata.ConsecutiveFailures++
	if entry.Metadata.ConsecutiveFailures >= r.config.OfflineThreshold {
		entry.Metadata.Health = types.HealthOffline
	} else {
		entry.Metadata.Health = types.HealthDegraded
	}

	r.logger.Warn("health check failed",
		zap.String("tool", entry.Metadata.Name),
		zap.Int("consecutive_failures", entry.Metadata.ConsecutiveFailures),
		zap.String("health", string(entry.Metadata.Health)),
		zap.Error(err),
	)
}
