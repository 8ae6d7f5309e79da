package simpleamqp

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceConsumerMiddleware(id int, b *bytes.Buffer) ConsumerMiddlewareFunc {
	return func(next ConsumerFunc) ConsumerFunc {
		return func(ctx context.Context, msg Message) (bool, error) {
			fmt.Fprint(b, id)
			ok, err := next(ctx, msg)
			fmt.Fprint(b, id)

			return ok, err
		}
	}
}

func TestConsumerMiddlewareChain(t *testing.T) {
	var b bytes.Buffer

	handler := ConsumerMiddlewareChain(
		func(context.Context, Message) (bool, error) {
			fmt.Fprint(&b, "X")
			return true, nil
		},
		traceConsumerMiddleware(1, &b),
		traceConsumerMiddleware(2, &b),
		traceConsumerMiddleware(3, &b),
		traceConsumerMiddleware(4, &b),
	)

	ok, err := handler(context.Background(), Message{})
	require.NoError(t, err)

	assert.True(t, ok)
	assert.Equal(t, "1234X4321", b.String(), "middlewares executed in correct order")
}

func TestConsumerMiddlewareChainWithoutMiddlewares(t *testing.T) {
	handler := ConsumerMiddlewareChain(func(context.Context, Message) (bool, error) {
		return false, nil
	})

	ok, err := handler(context.Background(), Message{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunCallbackRecoversPanics(t *testing.T) {
	ok, err := runCallback(context.Background(), func(context.Context, Message) (bool, error) {
		panic("kaboom")
	}, Message{})

	assert.False(t, ok)
	require.ErrorIs(t, err, ErrConsumerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}
