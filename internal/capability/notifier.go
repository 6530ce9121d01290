package capability

import (
	"context"
	"fmt"
	"log/slog"

	"pressbot/internal/domain"
)

// BusNotifier implements domain.Notifier by routing the terminal notification
// back through the message bus to the channel the batch arrived on.
type BusNotifier struct {
	bus    domain.MessageBus
	format string
	logger *slog.Logger
}

func NewBusNotifier(bus domain.MessageBus, format string, logger *slog.Logger) *BusNotifier {
	if format == "" {
		format = "text"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: bus, format: format, logger: logger}
}

func (n *BusNotifier) Notify(ctx context.Context, note domain.Notification) error {
	if note.Channel == "" || note.ChatID == "" {
		return fmt.Errorf("notification for workflow %s has no reply route", note.WorkflowID)
	}

	n.bus.SendOutbound(domain.OutboundMessage{
		Channel: note.Channel,
		ChatID:  note.ChatID,
		Content: note.Summary,
		Format:  n.format,
	})

	n.logger.Info("notification dispatched",
		"workflowID", note.WorkflowID,
		"userID", note.UserID,
		"channel", note.Channel,
		"succeeded", note.Succeeded)
	return nil
}
