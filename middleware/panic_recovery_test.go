package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

func TestPanicRecovery(t *testing.T) {
	msg := simpleamqp.Message{CorrelationID: "c1"}
	called := false

	onRecovery := func(_ context.Context, r any, m simpleamqp.Message) {
		assert.Equal(t, "oopsie!", r)
		assert.Equal(t, msg, m)

		called = true
	}

	callback := PanicRecovery(onRecovery)(func(context.Context, simpleamqp.Message) (bool, error) {
		panic("oopsie!")
	})

	assert.NotPanics(t, func() {
		ok, err := callback(context.Background(), msg)
		assert.False(t, ok)
		assert.NoError(t, err)
	})

	assert.True(t, called)
}

func TestPanicRecoveryPassesResults(t *testing.T) {
	callback := PanicRecovery(func(context.Context, any, simpleamqp.Message) {
		t.Fatal("no panic to recover")
	})(func(context.Context, simpleamqp.Message) (bool, error) {
		return true, nil
	})

	ok, err := callback(context.Background(), simpleamqp.Message{})
	assert.True(t, ok)
	assert.NoError(t, err)
}
