package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"devicehub/models"
	"devicehub/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// agentMessage is the envelope for everything an agent sends us.
type agentMessage struct {
	Type      string                       `json:"type"`
	ClientID  string                       `json:"client_id,omitempty"`
	Devices   []models.Device              `json:"devices,omitempty"`
	Sessions  []models.DeviceSessionStatus `json:"sessions,omitempty"`
	Session   *models.DeviceSessionStatus  `json:"session,omitempty"`
	RequestID string                       `json:"request_id,omitempty"`
	SDP       string                       `json:"sdp,omitempty"`
	SDPType   string                       `json:"sdp_type,omitempty"`
	Error     string                       `json:"error,omitempty"`
}

// AgentClient is one agent's websocket. It is the registry's ClientConn:
// outbound messages go through the buffered send channel so a slow agent
// never blocks a service goroutine.
type AgentClient struct {
	registry *service.ClientRegistry
	conn     *websocket.Conn
	send     chan []byte

	mu       sync.Mutex
	clientID string
	closed   bool
}

// Send implements service.ClientConn.
func (a *AgentClient) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return websocket.ErrCloseSent
	}
	select {
	case a.send <- data:
		return nil
	default:
		log.Printf("⚠️ Agent channel full, dropping message")
		return nil
	}
}

// Close implements service.ClientConn.
func (a *AgentClient) Close() {
	a.conn.Close()
}

// HandleAgentSocket upgrades the request and runs the agent protocol. The
// first message must be a register frame; everything after refreshes the
// client's presence.
func HandleAgentSocket(registry *service.ClientRegistry, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &AgentClient{
		registry: registry,
		conn:     conn,
		send:     make(chan []byte, 64),
	}

	go client.writePump()
	client.readPump()
}

func (a *AgentClient) readPump() {
	defer func() {
		a.mu.Lock()
		a.closed = true
		clientID := a.clientID
		close(a.send)
		a.mu.Unlock()
		a.conn.Close()
		if clientID != "" {
			a.registry.MarkDisconnected(clientID, a)
		}
	}()

	a.conn.SetReadLimit(1 << 20) // 1MB max message size
	a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		a.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg agentMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Bad agent message: %v", err)
			continue
		}
		a.handleMessage(msg)
	}
}

func (a *AgentClient) handleMessage(msg agentMessage) {
	a.mu.Lock()
	clientID := a.clientID
	a.mu.Unlock()

	if msg.Type == "register" {
		if msg.ClientID == "" {
			log.Printf("Register without client_id, ignoring")
			return
		}
		a.mu.Lock()
		a.clientID = msg.ClientID
		a.mu.Unlock()
		a.registry.Register(msg.ClientID, a)
		if len(msg.Devices) > 0 {
			a.registry.UpdateDevices(msg.ClientID, msg.Devices)
		}
		if len(msg.Sessions) > 0 {
			a.registry.UpdateSessions(msg.ClientID, msg.Sessions)
		}
		return
	}

	if clientID == "" {
		log.Printf("Message %q before register, ignoring", msg.Type)
		return
	}

	// Any inbound traffic counts as a heartbeat
	a.registry.Touch(clientID)

	switch msg.Type {
	case "heartbeat":
		// Touch above already did the work
	case "devices":
		a.registry.UpdateDevices(clientID, msg.Devices)
	case "sessions":
		a.registry.UpdateSessions(clientID, msg.Sessions)
	case "command_update":
		if msg.Session != nil {
			a.registry.UpdateSession(clientID, *msg.Session)
		}
	case "webrtc_answer":
		if msg.RequestID == "" {
			return
		}
		if !a.registry.ResolvePending(msg.RequestID, models.WebRTCAnswer{SDP: msg.SDP, Type: msg.SDPType}) {
			log.Printf("[%s] Answer for unknown request %s", clientID, msg.RequestID)
		}
	default:
		log.Printf("[%s] Unknown agent message type: %s", clientID, msg.Type)
	}
}

func (a *AgentClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.conn.Close()
	}()

	for {
		select {
		case data, ok := <-a.send:
			if !ok {
				a.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
