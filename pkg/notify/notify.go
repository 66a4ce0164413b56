// Package notify provides protocol.Sender implementations for email and SMS nodes.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/protocol"
)

// LogSender writes every message to the log instead of delivering it.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg protocol.Message) error {
	s.logger.InfoContext(ctx, "notification",
		"channel", msg.Channel,
		"to", msg.To,
		"subject", msg.Subject,
		"execution_id", msg.ExecutionID,
		"node_id", msg.NodeID,
		"body_length", len(msg.Body))

	return nil
}

// Router hands each message to the sender registered for its channel.
type Router map[protocol.Channel]protocol.Sender

func (r Router) Send(ctx context.Context, msg protocol.Message) error {
	sender, ok := r[msg.Channel]
	if !ok {
		return fmt.Errorf("no sender for channel %q", msg.Channel)
	}

	return sender.Send(ctx, msg)
}
