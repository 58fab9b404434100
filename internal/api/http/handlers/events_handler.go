package handlers

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/events"
	apperrors "github.com/spec-kit/helpdesk-service/pkg/util/errorutil"
)

const (
	identityLocalKey = "ws_identity"
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// EventsHandler streams ticket events to websocket observers.
type EventsHandler struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	buffer     int
}

// NewEventsHandler constructs handler.
func NewEventsHandler(dispatcher events.Dispatcher, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{dispatcher: dispatcher, logger: logger, buffer: events.DefaultObserverBuffer}
}

// Upgrade admits authenticated websocket handshakes and pins the caller identity for the stream.
func (h *EventsHandler) Upgrade(c *fiber.Ctx) error {
	identity, ok := identityOf(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(identityLocalKey, identity)
	return c.Next()
}

// Stream returns the websocket handler mounted behind Upgrade.
func (h *EventsHandler) Stream() fiber.Handler {
	return websocket.New(h.serve)
}

func (h *EventsHandler) serve(conn *websocket.Conn) {
	identity, ok := conn.Locals(identityLocalKey).(domain.Identity)
	if !ok {
		_ = conn.Close()
		return
	}
	observer := h.dispatcher.Attach(h.buffer, ObserverFilterFor(identity))
	defer h.dispatcher.Detach(observer)
	logger := h.logger.With(zap.String("observer_id", observer.ID), zap.String("user_id", identity.ID))
	logger.Info("event observer attached")

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			logger.Info("event observer disconnected", zap.Int64("dropped", observer.Dropped()))
			return
		case ev, ok := <-observer.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn("event write failed; closing observer", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ObserverFilterFor scopes a stream: staff see every ticket, end users only their own.
func ObserverFilterFor(identity domain.Identity) events.ObserverFilter {
	if identity.Role.IsStaff() {
		return nil
	}
	return func(ev events.Event) bool {
		return ev.OwnerID == identity.ID
	}
}
