package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/redis"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// CallStore is the shared relay state. *redis.Store satisfies it.
type CallStore interface {
	JoinRoom(ctx context.Context, roomID, userID string, limit int) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
	Participants(ctx context.Context, roomID string) ([]string, error)
	SaveCallRecord(ctx context.Context, rec models.CallRecord) error
	CallRecord(ctx context.Context, roomID string) (*models.CallRecord, error)
}

// Hub relays signaling between the two participants of each call room.
type Hub struct {
	store CallStore
	log   *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*Room
}

// Room manages the connected participants of one call
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents one participant's WebSocket connection
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
	done   chan struct{}
	log    *logrus.Entry
}

func NewHub(store CallStore) *Hub {
	return &Hub{
		store: store,
		log:   logrus.WithField("component", "relay"),
		rooms: make(map[string]*Room),
	}
}

// HandleCall upgrades /ws/call/:roomId/?user_id= and joins the caller to the
// room. The participant already present is told user_joined.
func (h *Hub) HandleCall(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.Query("user_id")
	if roomID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and user_id are required"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.JoinRoom(ctx, roomID, userID, models.MaxParticipants); err != nil {
		if errors.Is(err, redis.ErrRoomFull) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.log.WithError(err).Error("Failed to record participant")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		h.store.LeaveRoom(context.Background(), roomID, userID)
		return
	}

	client := &Client{
		ID:     userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		log:    h.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}),
	}

	room := h.getOrCreateRoom(roomID)
	if prev := room.addClient(client); prev != nil {
		client.log.Info("Participant reconnected, dropping previous connection")
		prev.Conn.Close()
	}
	client.log.WithField("participants", room.size()).Info("Participant joined call")

	if joined, err := models.EncodeSignal(models.UserJoined{}); err == nil {
		room.broadcast(joined, client.ID)
	}

	go client.writePump()
	go client.readPump(h, room)
}

// notifyEnded sends end_call to every participant of roomID connected here,
// other than endedBy.
func (h *Hub) notifyEnded(roomID, endedBy string) {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if data, err := models.EncodeSignal(models.EndCall{}); err == nil {
		room.broadcast(data, endedBy)
	}
}

// Online lists the participants connected to this relay instance.
func (h *Hub) Online(roomID string) []string {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	ids := make([]string, 0, len(room.Peers))
	for id := range room.Peers {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) getOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		room = &Room{
			ID:    roomID,
			Peers: make(map[string]*Client),
		}
		h.rooms[roomID] = room
		h.log.WithField("room_id", roomID).Debug("Created call room")
	}
	return room
}

// leave removes client and reports whether it was still the room's
// connection for its user.
func (h *Hub) leave(room *Room, client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed, empty := room.removeClient(client)
	if empty && h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
	}
	return removed
}

// addClient returns the connection it replaced, if any.
func (r *Room) addClient(client *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.Peers[client.ID]
	r.Peers[client.ID] = client
	return prev
}

func (r *Room) removeClient(client *Client) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Peers[client.ID] == client {
		delete(r.Peers, client.ID)
		removed = true
	}
	return removed, len(r.Peers) == 0
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Peers)
}

func (r *Room) broadcast(data []byte, excludeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, client := range r.Peers {
		if id == excludeID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			client.log.Warn("Failed to relay message, buffer full")
		}
	}
}

func (c *Client) readPump(h *Hub, room *Room) {
	defer func() {
		close(c.done)
		c.Conn.Close()
		if h.leave(room, c) {
			if err := h.store.LeaveRoom(context.Background(), c.RoomID, c.ID); err != nil {
				c.log.WithError(err).Warn("Failed to clear participant")
			}
			c.log.Info("Participant left call")
		}
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			return
		}

		typ, err := models.PeekSignalType(message)
		if err != nil || !typ.Known() {
			c.log.WithField("type", typ).Debug("Dropping unrecognized message")
			continue
		}
		// Payloads are opaque to the relay and forwarded as sent.
		room.broadcast(message, c.ID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
