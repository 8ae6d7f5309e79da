package rpc

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/0x4b53/simple-amqp/amqptest"
	"github.com/0x4b53/simple-amqp/codec"
)

func BenchmarkCall(b *testing.B) {
	benchmarks := []struct {
		name  string
		codec codec.Codec
	}{
		{name: "msgpack", codec: codec.Msgpack()},
		{name: "json", codec: codec.JSON()},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			broker := amqptest.NewBroker()

			server := New(amqptest.Connect(broker), "pong").
				WithLogger(logger).
				Method("pong", "ping", func(name string) string { return "pong: " + name })

			caller := New(amqptest.Connect(broker), "ping").
				WithLogger(logger).
				WithCodec(bm.codec)

			client := caller.Client("pong", "pong")
			ping := client.Method("ping")

			server.Configure()
			caller.Configure()
			amqptest.Start(b, server.Connection())
			amqptest.Start(b, caller.Connection())

			ctx := context.Background()

			b.ResetTimer()

			for range b.N {
				resp, err := ping(ctx, "duck")
				if err != nil || !resp.OK() {
					b.Fatalf("call failed: %v %v", resp, err)
				}
			}
		})
	}
}
