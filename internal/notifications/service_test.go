package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockRoomSender struct {
	mock.Mock
}

func (m *MockRoomSender) SendToDocument(documentID string, message WebSocketMessage) int {
	args := m.Called(documentID, message)
	return args.Int(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestNotify_RoomOnlyForDraftEvents(t *testing.T) {
	rooms := new(MockRoomSender)
	admin := new(MockPublisher)
	svc := NewService(rooms, admin, zap.NewNop())

	docID := uuid.New()
	rooms.On("SendToDocument", docID.String(), mock.MatchedBy(func(msg WebSocketMessage) bool {
		return msg.Type == string(EventDraftSaved) && msg.Target == docID.String()
	})).Return(2)

	err := svc.Notify(context.Background(), Event{Type: EventDraftSaved, DocumentID: docID})
	assert.NoError(t, err)
	rooms.AssertExpectations(t)
	admin.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestNotify_SealedGoesToOperators(t *testing.T) {
	rooms := new(MockRoomSender)
	admin := new(MockPublisher)
	svc := NewService(rooms, admin, zap.NewNop())

	docID := uuid.New()
	rooms.On("SendToDocument", docID.String(), mock.Anything).Return(0)
	admin.On("Publish", mock.Anything, mock.MatchedBy(func(e Event) bool {
		return e.Type == EventSealed && !e.Timestamp.IsZero()
	})).Return(errors.New("throttled"))

	err := svc.Notify(context.Background(), Event{Type: EventSealed, DocumentID: docID, Data: map[string]interface{}{"version_id": "v2"}})
	assert.Error(t, err)
	admin.AssertExpectations(t)
}

func TestEventMessage(t *testing.T) {
	actor := uuid.New()
	msg, err := Event{
		Type:       EventSigned,
		DocumentID: uuid.New(),
		ActorID:    &actor,
		Data:       map[string]interface{}{"pending": 1},
	}.Message()
	assert.NoError(t, err)
	assert.Equal(t, actor.String(), msg.Source)
	assert.JSONEq(t, `{"pending":1}`, string(msg.Data))
}
