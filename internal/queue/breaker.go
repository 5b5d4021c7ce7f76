package queue

import (
	"errors"

	gobreaker "github.com/sony/gobreaker/v2"

	logx "recurd/pkg/logx"
)

// newBreaker returns nil when the breaker is disabled.
func newBreaker(name string, o BreakerOptions, log logx.Logger) *gobreaker.CircuitBreaker[struct{}] {
	if o.TripFailures < 0 {
		return nil
	}
	trip := uint32(o.TripFailures)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: o.HalfOpenMax,
		Timeout:     o.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		// Permanent job failures say nothing about downstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsNoRetry(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				log.Warn("circuit breaker opened", logx.String("queue", name))
				return
			}
			log.Info("circuit breaker state", logx.String("queue", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
