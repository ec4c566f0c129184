package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signdesk/portal-backend/internal/notifications"
)

// Manager handles WebSocket connections and routes document events to the
// connections watching each document.
type Manager struct {
	connections map[string]*Connection
	rooms       map[string]map[string]*Connection
	mu          sync.RWMutex
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID           string
	UserID       string
	DocumentIDs  []string
	Conn         *websocket.Conn
	Send         chan notifications.WebSocketMessage
	LastActivity time.Time
	UserAgent    string
	IPAddress    string
	mu           sync.Mutex
	closeOnce    sync.Once
}

// clientMessage is sent by clients to follow or leave documents.
type clientMessage struct {
	Action     string `json:"action"`
	DocumentID string `json:"document_id"`
}

// NewManager creates a new WebSocket manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection upgrades the request and joins the connection to the
// document room.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, documentID, userID string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Conn:         conn,
		Send:         make(chan notifications.WebSocketMessage, 64),
		LastActivity: time.Now(),
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
	}

	m.register(connection)
	if documentID != "" {
		m.Join(connection, documentID)
	}

	go m.readPump(connection)
	go m.writePump(connection)

	return connection, nil
}

func (m *Manager) register(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()
	m.logger.Debug("Connection registered", zap.String("connection_id", conn.ID), zap.String("user_id", conn.UserID))
}

func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	if _, ok := m.connections[conn.ID]; ok {
		delete(m.connections, conn.ID)
		for _, docID := range conn.DocumentIDs {
			if room, ok := m.rooms[docID]; ok {
				delete(room, conn.ID)
				if len(room) == 0 {
					delete(m.rooms, docID)
				}
			}
		}
		conn.closeOnce.Do(func() { close(conn.Send) })
	}
	m.mu.Unlock()
	m.logger.Debug("Connection unregistered", zap.String("connection_id", conn.ID))
}

// Join subscribes the connection to a document room.
func (m *Manager) Join(conn *Connection, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[conn.ID]; !ok {
		return
	}
	room, ok := m.rooms[documentID]
	if !ok {
		room = make(map[string]*Connection)
		m.rooms[documentID] = room
	}
	if _, joined := room[conn.ID]; joined {
		return
	}
	room[conn.ID] = conn
	conn.mu.Lock()
	conn.DocumentIDs = append(conn.DocumentIDs, documentID)
	conn.mu.Unlock()
}

// Leave removes the connection from a document room.
func (m *Manager) Leave(conn *Connection, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[documentID]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(m.rooms, documentID)
		}
	}
	conn.mu.Lock()
	kept := conn.DocumentIDs[:0]
	for _, id := range conn.DocumentIDs {
		if id != documentID {
			kept = append(kept, id)
		}
	}
	conn.DocumentIDs = kept
	conn.mu.Unlock()
}

// readPump reads subscription changes until the client goes away
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		m.unregister(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg clientMessage
		if err := conn.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("Websocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			break
		}

		conn.mu.Lock()
		conn.LastActivity = time.Now()
		conn.mu.Unlock()

		switch msg.Action {
		case "join":
			m.Join(conn, msg.DocumentID)
		case "leave":
			m.Leave(conn, msg.DocumentID)
		}
	}
}

// writePump pumps messages from the rooms to the WebSocket connection
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendToDocument delivers a message to every connection in the document room
// and returns how many accepted it. Connections with a full buffer are skipped.
func (m *Manager) SendToDocument(documentID string, message notifications.WebSocketMessage) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sent := 0
	for _, conn := range m.rooms[documentID] {
		select {
		case conn.Send <- message:
			sent++
		default:
		}
	}
	return sent
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// GetDocumentConnections returns the number of connections watching a document
func (m *Manager) GetDocumentConnections(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[documentID])
}

// Close closes all connections
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Conn.Close()
	}
}
