// Package resilience provides bounded retry with backoff for operations
// that must not silently lose state, such as call record writes.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voicelink-backend/pkg/logger"
)

// Retry policy bounds. Attempts are capped, not time-boxed: a call record
// write either lands within MaxAttempts or the caller force-ends the call.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy matches the persistence-failure contract: a handful of
// quick attempts, then give up so the call can be driven to a safe
// terminal state instead of an ambiguous live one.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

type retryMetrics struct {
	attemptsTotal  *prometheus.CounterVec
	exhaustedTotal *prometheus.CounterVec
}

var (
	retryMetricsInstance *retryMetrics
	retryMetricsOnce     sync.Once
)

func init() {
	retryMetricsOnce.Do(func() {
		retryMetricsInstance = &retryMetrics{
			attemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_attempts_total",
					Help: "Total number of retryable operation attempts",
				},
				[]string{"operation", "status"},
			),
			exhaustedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_exhausted_total",
					Help: "Total number of operations that exhausted all retry attempts",
				},
				[]string{"operation"},
			),
		}
		prometheus.MustRegister(retryMetricsInstance.attemptsTotal)
		prometheus.MustRegister(retryMetricsInstance.exhaustedTotal)
	})
}

// Retry runs fn up to policy.MaxAttempts times with growing backoff.
// It returns nil on the first success, the context error if the context is
// canceled mid-backoff, and the last error once attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Warn("retrying operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := fn()
		if err == nil {
			retryMetricsInstance.attemptsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}
		lastErr = err
		retryMetricsInstance.attemptsTotal.WithLabelValues(operation, "failure").Inc()

		if attempt == policy.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * policy.InitialInterval
		if backoff > policy.MaxInterval {
			backoff = policy.MaxInterval
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s aborted during backoff: %w", operation, ctx.Err())
		case <-time.After(backoff):
		}
	}

	retryMetricsInstance.exhaustedTotal.WithLabelValues(operation).Inc()
	logger.Error("operation failed after all retry attempts",
		zap.String("operation", operation),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%s failed after %d attempts: %w", operation, policy.MaxAttempts, lastErr)
}
