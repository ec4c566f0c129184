package notifications

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventType names a document lifecycle event
type EventType string

const (
	EventDraftSaved       EventType = "document.draft_saved"
	EventSigned           EventType = "document.signed"
	EventReadyToFinalize  EventType = "document.ready_to_finalize"
	EventSealed           EventType = "document.sealed"
	EventRolledBack       EventType = "document.rolled_back"
	EventIntegrityFailure EventType = "document.integrity_failure"
)

// adminEvents are also published to the operator topic.
var adminEvents = map[EventType]bool{
	EventReadyToFinalize:  true,
	EventSealed:           true,
	EventIntegrityFailure: true,
}

// Event is a change to a document that connected clients care about
type Event struct {
	Type       EventType              `json:"type"`
	DocumentID uuid.UUID              `json:"document_id"`
	ActorID    *uuid.UUID             `json:"actor_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// WebSocketMessage represents a real-time message
type WebSocketMessage struct {
	Type      string         `json:"type"`
	Data      datatypes.JSON `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"channel"`
	Target    string         `json:"target"` // document_id
	Source    string         `json:"source"` // actor user_id
}

// Message converts the event into its websocket form.
func (e Event) Message() (WebSocketMessage, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return WebSocketMessage{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	msg := WebSocketMessage{
		Type:      string(e.Type),
		Data:      datatypes.JSON(data),
		Timestamp: e.Timestamp,
		Channel:   "document",
		Target:    e.DocumentID.String(),
	}
	if e.ActorID != nil {
		msg.Source = e.ActorID.String()
	}
	return msg, nil
}
