// Package breaker wraps sony/gobreaker with the trip policy used for
// outbound dependencies: trip on 3 consecutive failures, or >5% failure
// rate once 20 requests have been observed.
package breaker

import (
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/rs/zerolog/log"
)

type Breaker struct {
	cb *cb.CircuitBreaker
}

func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("Circuit breaker state change")
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool { return b.cb.State() == cb.StateOpen }
