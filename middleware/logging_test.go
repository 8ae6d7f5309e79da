package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

func TestLogDeliveries(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := simpleamqp.ContextWithQueueName(context.Background(), "jobs")

	handled := LogDeliveries(logger)(func(context.Context, simpleamqp.Message) (bool, error) {
		return true, nil
	})

	ok, err := handled(ctx, simpleamqp.Message{CorrelationID: "c1"})
	assert.True(t, ok)
	assert.NoError(t, err)

	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "delivery handled")
	assert.Contains(t, buf.String(), "queue=jobs")
	assert.Contains(t, buf.String(), "component=simpleamqp-deliveries")

	buf.Reset()

	failed := LogDeliveries(logger)(func(context.Context, simpleamqp.Message) (bool, error) {
		return false, errors.New("broken")
	})

	ok, err = failed(ctx, simpleamqp.Message{})
	assert.False(t, ok)
	assert.EqualError(t, err, "broken")

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "error=broken")
}
