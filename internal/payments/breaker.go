package payments

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the circuit breaker placed in front of each processor.
type BreakerSettings struct {
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
	OnStateChange          func(key string, from, to string)
}

type breakerProcessor struct {
	next Processor
	cb   *gobreaker.CircuitBreaker[Response]
}

// WithCircuitBreaker returns a registry wrapper guarding each processor with
// its own breaker. Context cancellation is not counted as a processor failure.
func WithCircuitBreaker(settings BreakerSettings) RegistryOption {
	maxFailures := settings.MaxConsecutiveFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return WithProcessorWrapper(func(key string, p Processor) Processor {
		st := gobreaker.Settings{
			Name:    key,
			Timeout: settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}
		if settings.OnStateChange != nil {
			st.OnStateChange = func(name string, from, to gobreaker.State) {
				settings.OnStateChange(name, from.String(), to.String())
			}
		}
		return &breakerProcessor{
			next: p,
			cb:   gobreaker.NewCircuitBreaker[Response](st),
		}
	})
}

func (b *breakerProcessor) Process(ctx context.Context, req Request) (Response, error) {
	return b.cb.Execute(func() (Response, error) {
		return b.next.Process(ctx, req)
	})
}
