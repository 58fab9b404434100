package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/events"
)

// NotificationService handles emitting notifications for domain events.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	n.dispatcher.Subscribe(events.EventTicketUpdated, n.handleTicketUpdated)
	n.dispatcher.Subscribe(events.EventTicketComment, n.handleTicketComment)
	n.dispatcher.Subscribe(events.EventTicketSLABreached, n.handleSLABreached)
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketCreated", zap.String("ticket_id", event.TicketID), zap.String("owner_id", event.OwnerID))
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleTicketUpdated(ctx context.Context, event events.Event) error {
	ticket, ok := event.Payload.(*domain.Ticket)
	if !ok {
		return nil
	}
	if assignedTo := lastAssignment(ticket); assignedTo != "" {
		n.logger.Info("TicketAssigned", zap.String("ticket_id", event.TicketID), zap.String("assignee_id", assignedTo))
		n.sendEmailNotificationStub(ctx, event, assignedTo)
	}
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleTicketComment(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketCommentAdded", zap.String("ticket_id", event.TicketID))
	n.sendEmailNotificationStub(ctx, event, event.OwnerID)
	return nil
}

func (n *NotificationService) handleSLABreached(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.TicketSLABreachedPayload)
	n.logger.Warn("TicketSLABreached",
		zap.String("ticket_id", event.TicketID),
		zap.String("title", payload.Title),
		zap.Time("breached_at", payload.BreachedAt))
	n.sendEmailNotificationStub(ctx, event, event.OwnerID)
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

// lastAssignment returns the new assignee when the latest timeline entry changed it.
func lastAssignment(ticket *domain.Ticket) string {
	if len(ticket.Timeline) == 0 || ticket.AssignedTo == nil {
		return ""
	}
	last := ticket.Timeline[len(ticket.Timeline)-1]
	if last.Action != domain.ActionUpdated {
		return ""
	}
	if _, changed := last.Meta["assignedTo"]; !changed {
		return ""
	}
	return *ticket.AssignedTo
}

func (n *NotificationService) sendEmailNotificationStub(_ context.Context, event events.Event, recipientID string) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("recipient_id", recipientID),
		zap.String("ticket_id", event.TicketID),
		zap.String("event_type", string(event.Type)))
}

func (n *NotificationService) sendWebhookNotificationStub(_ context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("sendWebhookNotificationStub",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("ticket_id", event.TicketID),
		zap.String("event_type", string(event.Type)))
}
