package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/mail"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
)

// ProtectedDispatcher sends mail through a Breaker. While the circuit is
// open Send returns an error wrapping ErrCircuitOpen without touching the
// transport.
type ProtectedDispatcher struct {
	dispatcher mail.Dispatcher
	breaker    *Breaker
	logger     *zap.Logger
}

func NewProtectedDispatcher(dispatcher mail.Dispatcher, breaker *Breaker, logger *zap.Logger) *ProtectedDispatcher {
	return &ProtectedDispatcher{
		dispatcher: dispatcher,
		breaker:    breaker,
		logger:     logger,
	}
}

func (p *ProtectedDispatcher) Send(ctx context.Context, msg mail.Message) error {
	// A message the transport would refuse says nothing about the transport.
	if err := msg.Validate(); err != nil {
		return err
	}

	done, err := p.breaker.Acquire()
	if err != nil {
		metrics.RecordBreakerRejection(p.breaker.Name())
		p.logger.Debug("circuit breaker rejected email",
			zap.String("breaker", p.breaker.Name()),
			zap.String("to", msg.To),
		)
		return fmt.Errorf("%w: %s transport unavailable", err, p.breaker.Name())
	}

	err = p.dispatcher.Send(ctx, msg)
	done(Classify(err))
	return err
}

// Breaker returns the underlying breaker for monitoring.
func (p *ProtectedDispatcher) Breaker() *Breaker {
	return p.breaker
}

// Classify maps a Send error to what it says about the transport. Invalid
// messages and a cancelled or expired caller context are ignored. Network
// timeouts, such as the SMTP dialer's own, count as failures.
func Classify(err error) Outcome {
	var netErr net.Error
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &netErr) && netErr.Timeout():
		return OutcomeFailure
	case errors.Is(err, mail.ErrInvalidMessage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeIgnored
	default:
		return OutcomeFailure
	}
}
