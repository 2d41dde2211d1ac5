package similarity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/farmassist/farmassist-api/pkg/config"
	"github.com/farmassist/farmassist-api/pkg/fn"
	"github.com/farmassist/farmassist-api/pkg/metrics"
	"github.com/farmassist/farmassist-api/pkg/resilience"
)

// OptionsFromConfig builds retriever options from configuration. The breaker
// only counts store failures; cancelled and timed-out calls leave it alone.
// Breaker state changes are logged and exported as
// farmassist_store_breaker_state (0 closed, 1 open, 2 half-open).
func OptionsFromConfig(c config.Search, isTransient func(error) bool, met *metrics.Registry, logger *slog.Logger) Options {
	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	opts := DefaultOptions()
	opts.MaxRecords = c.MaxRecords
	opts.ScanTimeout = c.ScanTimeout
	opts.IsTransient = isTransient
	opts.Metrics = met
	if c.RetryAttempts > 0 {
		opts.Retry.MaxAttempts = c.RetryAttempts
	} else {
		opts.Retry = fn.NoRetry
	}

	if c.BreakerThreshold > 0 {
		state := met.Gauge("farmassist_store_breaker_state", "Store circuit breaker state")
		opts.Breaker = resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: c.BreakerThreshold,
			Timeout:       c.BreakerTimeout,
			IsFailure: func(err error) bool {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			},
			OnStateChange: func(from, to resilience.State) {
				state.Set(int64(to))
				logger.Warn("store circuit breaker", "from", from.String(), "to", to.String())
			},
		})
	}
	return opts
}
