package resilient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tinoosan/folio/internal/metrics"
)

// Settings parameterizes one external integration.
type Settings struct {
	Provider          string        `mapstructure:"-"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxJitter         time.Duration `mapstructure:"max_jitter"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	OpenDuration      time.Duration `mapstructure:"open_duration"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings(provider string) Settings {
	return Settings{
		Provider:         provider,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		MaxJitter:        120 * time.Millisecond,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// Client wraps calls to one external provider with a per-attempt timeout,
// bounded retry with exponential backoff and jitter, and a circuit breaker.
// Breaker state is local to this process.
type Client struct {
	settings Settings
	cb       *gobreaker.TwoStepCircuitBreaker
	limiter  *rate.Limiter
	log      *slog.Logger
}

// New creates a Client for s.Provider.
func New(s Settings, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = 30 * time.Second
	}
	c := &Client{
		settings: s,
		log:      log.With("component", "resilient", "provider", s.Provider),
	}
	if s.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.RequestsPerSecond), 1)
	}
	threshold := uint32(s.FailureThreshold)
	c.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Provider,
		MaxRequests: 1,
		Timeout:     s.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			c.log.Warn("circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	metrics.BreakerState.WithLabelValues(s.Provider).Set(float64(gobreaker.StateClosed))
	return c
}

func (c *Client) Provider() string { return c.settings.Provider }

// Open reports whether calls are currently being rejected without I/O.
func (c *Client) Open() bool { return c.cb.State() == gobreaker.StateOpen }

// Call runs op through the breaker and the retry policy. Failures come back
// wrapping ErrUnavailable (transient or circuit open) or ErrFailed.
func Call[T any](ctx context.Context, c *Client, request string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	provider := c.settings.Provider
	start := time.Now()
	metrics.ExternalRequests.WithLabelValues(provider, request).Inc()

	done, err := c.cb.Allow()
	if err != nil {
		metrics.ExternalLatency.WithLabelValues(provider, request).Observe(time.Since(start).Seconds())
		metrics.ExternalFailures.WithLabelValues(provider, request).Inc()
		c.log.Warn("circuit open, failing fast", "request", request)
		return zero, fmt.Errorf("%w: %s %s: circuit open", ErrUnavailable, provider, request)
	}
	v, err := attempts(ctx, c, request, op)
	c.settle(ctx, done, err)
	metrics.ExternalLatency.WithLabelValues(provider, request).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExternalFailures.WithLabelValues(provider, request).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if IsTransient(err) {
			return zero, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, provider, request, err)
		}
		return zero, fmt.Errorf("%w: %s %s: %w", ErrFailed, provider, request, err)
	}
	c.log.Debug("external call ok", "request", request, "dur_ms", time.Since(start).Milliseconds())
	return v, nil
}

// settle reports the outcome of one call to the breaker. A call the caller
// abandoned leaves the counts alone, except a half-open probe, which has to
// settle and counts as a failure.
func (c *Client) settle(ctx context.Context, done func(success bool), err error) {
	switch {
	case err == nil:
		done(true)
	case ctx.Err() == nil:
		done(false)
	case c.cb.State() == gobreaker.StateHalfOpen:
		done(false)
	}
}

func attempts[T any](ctx context.Context, c *Client, request string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	n := 0
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(c.settings.MaxRetries) + 1),
		retry.Delay(c.settings.BaseDelay),
		retry.LastErrorOnly(true),
	}
	if c.settings.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(c.settings.MaxDelay))
	}
	if c.settings.MaxJitter > 0 {
		opts = append(opts,
			retry.MaxJitter(c.settings.MaxJitter),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)))
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
	}

	return retry.DoWithData(func() (T, error) {
		n++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return zero, retry.Unrecoverable(err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
		defer cancel()

		v, err := op(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, retry.Unrecoverable(ctx.Err())
		}
		if !IsTransient(err) {
			c.log.Error("external call failed", "request", request, "attempt", n, "err", err)
			return zero, retry.Unrecoverable(err)
		}
		c.log.Warn("external call failed, retrying", "request", request, "attempt", n, "err", err)
		return zero, err
	}, opts...)
}
