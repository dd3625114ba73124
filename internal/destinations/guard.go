package destinations

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/media"
	"github.com/saltyorg/watchrelay/internal/metrics"
)

// Breaker defaults. The breaker opens after consecutive service failures; requests the
// destination rejects on their merits (4xx other than 429) do not count.
const (
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 2 * time.Minute
	DefaultBreakerInterval = 5 * time.Minute
)

// Guard wraps a Client with an outbound rate limit and a circuit breaker.
type Guard struct {
	next    Client
	cb      *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
}

// GuardOptions tunes a Guard. Zero values fall back to the defaults.
type GuardOptions struct {
	RatePerSecond float64
	Failures      uint32
	Timeout       time.Duration
}

// NewGuard wraps next.
func NewGuard(next Client, opts GuardOptions) *Guard {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.Failures == 0 {
		opts.Failures = DefaultBreakerFailures
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerTimeout
	}

	name := string(next.Destination())
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    DefaultBreakerInterval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.Failures
		},
		IsSuccessful: func(err error) bool {
			var de *Error
			if err == nil || (errors.As(err, &de) && de.clientError()) {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("destination", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Guard{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
	}
}

// Destination reports the wrapped client's destination.
func (g *Guard) Destination() media.Destination {
	return g.next.Destination()
}

// State reports the breaker state.
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

// RecordWatch waits for the rate limiter, then calls the wrapped client through the breaker.
func (g *Guard) RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error {
	dest := g.next.Destination()

	if err := g.limiter.Wait(ctx); err != nil {
		return &Error{Destination: dest, Message: "rate limit wait aborted", Err: err}
	}

	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.next.RecordWatch(ctx, cred, ev, rewatch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.DispatchTotal.WithLabelValues(string(dest), metrics.ResultRejected).Inc()
		return &Error{Destination: dest, Message: "circuit breaker open, call skipped", Err: err}
	}
	return err
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
