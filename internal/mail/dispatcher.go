package mail

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Message is a single HTML email to one recipient.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// ErrInvalidMessage marks a message no transport could deliver.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the fields every transport needs.
func (m Message) Validate() error {
	if m.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	}
	if m.HTML == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	return nil
}

// Dispatcher delivers a message through some transport. Implementations
// report failure through the returned error only.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg Message) error

func (f DispatcherFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Recovering wraps a dispatcher so a panicking transport surfaces as an
// error instead of taking down the caller.
func Recovering(d Dispatcher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, msg Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("mail transport panicked: %v", r)
			}
		}()
		return d.Send(ctx, msg)
	})
}

// LogDispatcher logs messages instead of sending them (for development)
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	d.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTML)),
	)
	return nil
}
