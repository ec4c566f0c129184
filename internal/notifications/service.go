package notifications

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RoomSender delivers a message to clients watching a document
type RoomSender interface {
	SendToDocument(documentID string, message WebSocketMessage) int
}

// Publisher delivers an event to an external channel
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Service fans document events out to websocket rooms and, for events
// operators act on, to the configured publisher.
type Service struct {
	rooms  RoomSender
	admin  Publisher
	logger *zap.Logger
}

// NewService creates a notification service. Either channel may be nil.
func NewService(rooms RoomSender, admin Publisher, logger *zap.Logger) *Service {
	return &Service{rooms: rooms, admin: admin, logger: logger}
}

// Notify delivers the event. Websocket delivery is best effort; the error
// reflects the operator channel only.
func (s *Service) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if s.rooms != nil {
		msg, err := event.Message()
		if err != nil {
			return err
		}
		delivered := s.rooms.SendToDocument(event.DocumentID.String(), msg)
		s.logger.Debug("Document event delivered",
			zap.String("type", string(event.Type)),
			zap.String("document_id", event.DocumentID.String()),
			zap.Int("connections", delivered))
	}

	if s.admin == nil || !adminEvents[event.Type] {
		return nil
	}
	if err := s.admin.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to notify operators: %w", err)
	}
	return nil
}
