package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session_id", event.SessionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.Token != "" {
		attrs = append(attrs, slog.String("token", event.Token))
	}

	switch {
	case event.Datagram != nil:
		attrs = append(attrs,
			slog.Int("size", event.Datagram.Size),
			slog.Bool("truncated", event.Datagram.Truncated),
		)
	case event.Message != nil:
		attrs = append(attrs,
			slog.String("type", event.Message.Type.String()),
			slog.String("code", event.Message.Code.String()),
			slog.Uint64("mid", uint64(event.Message.MessageID)),
		)
		if event.Message.Path != "" {
			attrs = append(attrs, slog.String("path", event.Message.Path))
		}
		if event.Message.Options != "" {
			attrs = append(attrs, slog.String("options", event.Message.Options))
		}
		if event.Message.PayloadSize > 0 {
			attrs = append(attrs, slog.Int("payload_size", event.Message.PayloadSize))
		}
	case event.Exchange != nil:
		attrs = append(attrs,
			slog.String("event", event.Exchange.Type),
			slog.String("role", event.Exchange.Role),
			slog.Uint64("mid", uint64(event.Exchange.MessageID)),
		)
		if event.Exchange.Count > 0 {
			attrs = append(attrs, slog.Int("count", event.Exchange.Count))
		}
		if event.Exchange.Block != "" {
			attrs = append(attrs, slog.String("block", event.Exchange.Block))
		}
		if event.Exchange.NewEndpoint != "" {
			attrs = append(attrs, slog.String("new_endpoint", event.Exchange.NewEndpoint))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
