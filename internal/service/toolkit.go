package service

import (
	"context"
	"strconv"
	"time"

	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/metrics"
	"github.com/timmy/sqpsync/internal/resilience"
)

const reportAPIDependency = "report_api"

// Toolkit holds the process-wide resilience primitives. They are scoped per dependency,
// never per tenant, since they protect shared downstream resources.
type Toolkit struct {
	Breaker  *resilience.Breaker
	Limiter  *resilience.RateLimiter
	Executor *resilience.Executor
	Memory   *resilience.MemoryMonitor
}

// NewToolkit builds the toolkit from configuration and wires its metrics.
func NewToolkit(cfg config.ResilienceConfig, retryBudget time.Duration) *Toolkit {
	breaker := resilience.NewBreaker(reportAPIDependency, cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout,
		resilience.OnStateChange(func(name string, from, to resilience.BreakerState) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.With(logger.Fields{"dependency": name, "from": from.String(), "to": to.String()}).
				Warn(context.Background(), "Circuit breaker state changed")
		}))
	metrics.BreakerState.WithLabelValues(reportAPIDependency).Set(float64(resilience.StateClosed))

	return &Toolkit{
		Breaker:  breaker,
		Limiter:  resilience.NewRateLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		Executor: resilience.NewExecutor(resilience.NewBackoff(cfg.BackoffBase, cfg.BackoffMax), retryBudget),
		Memory:   resilience.NewMemoryMonitor(cfg.MemoryHighWaterMB),
	}
}

// callAPI runs fn against the reporting API behind the rate limiter and the breaker.
func (t *Toolkit) callAPI(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := t.Limiter.CheckLimit(key); err != nil {
		metrics.RateLimitRejections.WithLabelValues(reportAPIDependency).Inc()
		return err
	}
	return t.Breaker.Execute(ctx, fn)
}

// relieveMemory gives the runtime a collection hint before a large document when needed.
func (t *Toolkit) relieveMemory(ctx context.Context) {
	if t.Memory == nil {
		return
	}
	if t.Memory.Relieve() {
		metrics.MemoryRelief.Inc()
		u := t.Memory.Usage()
		logger.With(logger.Fields{"heap_alloc": u.HeapAlloc, "sys": u.Sys}).Warn(ctx, "Memory above high-water mark, forced collection")
	}
}

func countAttempt(operation string, a resilience.Attempt) {
	if a.Err != nil {
		metrics.RetryAttempts.WithLabelValues(operation, strconv.FormatBool(a.Retryable)).Inc()
	}
}
