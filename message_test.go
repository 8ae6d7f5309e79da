package simpleamqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageWithReturnsCopies(t *testing.T) {
	original := NewMessage([]byte("ping"), "application/msgpack").WithHeader("a", 1)

	changed := original.
		WithTopic("rpc.pong").
		WithExchange("rpc").
		WithCorrelationID("c1").
		WithReplyTo("reply").
		WithExpiration(time.Second).
		WithContentEncoding("gzip").
		WithHeader("b", 2)

	assert.Empty(t, original.Topic)
	assert.Empty(t, original.Exchange)
	assert.Zero(t, original.Expiration)
	assert.Equal(t, map[string]any{"a": 1}, original.Headers, "header map of the original is untouched")

	assert.Equal(t, "rpc.pong", changed.Topic)
	assert.Equal(t, "rpc", changed.Exchange)
	assert.Equal(t, "c1", changed.CorrelationID)
	assert.Equal(t, "reply", changed.ReplyTo)
	assert.Equal(t, time.Second, changed.Expiration)
	assert.Equal(t, "gzip", changed.ContentEncoding)

	v, ok := changed.Header("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = original.Header("b")
	assert.False(t, ok)
}
