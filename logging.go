package simpleamqp

import (
	"log/slog"
)

// slogGroupFor wraps attrs in a group, keeping slog.Group's signature free of
// the []any conversion at call sites.
func slogGroupFor(name string, attrs []slog.Attr) slog.Attr {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}

	return slog.Group(name, args...)
}

// slogAttrsForMessage returns the envelope fields of msg. The payload is
// only represented by its size.
func slogAttrsForMessage(msg Message) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("exchange", msg.Exchange),
		slog.String("topic", msg.Topic),
		slog.String("content_type", msg.ContentType),
		slog.Int("payload_size", len(msg.Payload)),
	}

	if msg.ContentEncoding != "" {
		attrs = append(attrs, slog.String("content_encoding", msg.ContentEncoding))
	}

	if msg.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", msg.CorrelationID))
	}

	if msg.ReplyTo != "" {
		attrs = append(attrs, slog.String("reply_to", msg.ReplyTo))
	}

	if msg.Expiration > 0 {
		attrs = append(attrs, slog.Duration("expiration", msg.Expiration))
	}

	if len(msg.Headers) > 0 {
		attrs = append(attrs, slog.Any("headers", msg.Headers))
	}

	return attrs
}

// MessageLogAttr renders msg as a slog group under name.
func MessageLogAttr(name string, msg Message) slog.Attr {
	return slogGroupFor(name, slogAttrsForMessage(msg))
}
