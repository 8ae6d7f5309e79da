package simpleamqp

import (
	"log/slog"
	"sync"
)

// SafeAcknowledger wraps an Acknowledger so a delivery is settled at most
// once. If settling fails the channel can no longer be trusted and onFailure
// is called, which makes the driver tear down and replay the connection.
type SafeAcknowledger struct {
	Acknowledger Acknowledger

	mu        sync.Mutex
	handled   bool
	logger    *slog.Logger
	onFailure func(error)
}

// NewSafeAcknowledger returns acknowledger wrapped as a SafeAcknowledger.
func NewSafeAcknowledger(acknowledger Acknowledger, logger *slog.Logger, onFailure func(error)) *SafeAcknowledger {
	if logger == nil {
		logger = slog.Default()
	}

	return &SafeAcknowledger{
		Acknowledger: acknowledger,
		logger:       logger,
		onFailure:    onFailure,
	}
}

// Handled reports whether the delivery was acked or nacked.
func (a *SafeAcknowledger) Handled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.handled
}

// Ack acknowledges the delivery unless it is already settled.
func (a *SafeAcknowledger) Ack(tag uint64) error {
	if !a.claim() {
		return nil
	}

	return a.check("ack", tag, a.Acknowledger.Ack(tag))
}

// Nack rejects the delivery unless it is already settled.
func (a *SafeAcknowledger) Nack(tag uint64, requeue bool) error {
	if !a.claim() {
		return nil
	}

	return a.check("nack", tag, a.Acknowledger.Nack(tag, requeue))
}

func (a *SafeAcknowledger) claim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handled {
		return false
	}

	a.handled = true

	return true
}

func (a *SafeAcknowledger) check(op string, tag uint64, err error) error {
	if err == nil {
		return nil
	}

	a.logger.Warn("could not settle delivery",
		"op", op,
		"delivery_tag", tag,
		"error", err,
	)

	if a.onFailure != nil {
		a.onFailure(err)
	}

	return err
}
