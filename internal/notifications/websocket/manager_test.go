package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signdesk/portal-backend/internal/notifications"
)

func TestManager_SendToDocument(t *testing.T) {
	manager := NewManager(zap.NewNop())
	defer manager.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := manager.HandleConnection(w, r, r.URL.Query().Get("doc"), "user-1")
		if err != nil {
			t.Logf("handle connection: %v", err)
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?doc=doc-1"
	client, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return manager.GetDocumentConnections("doc-1") == 1
	}, time.Second, 10*time.Millisecond)

	sent := manager.SendToDocument("doc-1", notifications.WebSocketMessage{Type: "document.signed", Target: "doc-1"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, manager.SendToDocument("doc-2", notifications.WebSocketMessage{}))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notifications.WebSocketMessage
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "document.signed", got.Type)

	require.NoError(t, client.WriteJSON(map[string]string{"action": "leave", "document_id": "doc-1"}))
	require.Eventually(t, func() bool {
		return manager.GetDocumentConnections("doc-1") == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, manager.GetConnectionCount())
}
