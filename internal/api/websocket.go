package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kvmux/internal/master"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint is meant for local monitors only.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSManager fans status snapshots out to connected WebSocket clients and
// accepts control commands from them.
type WSManager struct {
	server     *Server
	clients    map[*WSClient]bool
	clientsMu  sync.RWMutex
	register   chan *WSClient
	unregister chan *WSClient
	shutdown   chan struct{}
}

// WSClient is one connected monitor.
type WSClient struct {
	manager *WSManager
	conn    *websocket.Conn
	send    chan []byte
	ip      string
}

func newWSManager(s *Server) *WSManager {
	return &WSManager{
		server:     s,
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		shutdown:   make(chan struct{}),
	}
}

func (m *WSManager) start() {
	_, updates := m.server.m.Watch()

	for {
		select {
		case client := <-m.register:
			m.clientsMu.Lock()
			m.clients[client] = true
			m.clientsMu.Unlock()
			log.Printf("WS: new client from %s, total %d", client.ip, len(m.clients))

		case client := <-m.unregister:
			m.clientsMu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				log.Printf("WS: client from %s gone, total %d", client.ip, len(m.clients))
			}
			m.clientsMu.Unlock()

		case st := <-updates:
			m.broadcastStatus(st)

		case <-m.shutdown:
			return
		}
	}
}

func (m *WSManager) broadcastStatus(st master.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		log.Printf("WS: failed to marshal status: %v", err)
		return
	}

	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for client := range m.clients {
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(m.clients, client)
		}
	}
}

func (m *WSManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: failed to upgrade connection: %v", err)
		return
	}

	client := &WSClient{
		manager: m,
		conn:    conn,
		send:    make(chan []byte, 16),
		ip:      r.RemoteAddr,
	}

	m.register <- client

	go client.writePump()
	go client.readPump()

	// New clients get the current snapshot right away.
	if data, err := json.Marshal(m.server.m.Current()); err == nil {
		client.send <- data
	}
}

// wsCommand is the client-to-server message shape.
type wsCommand struct {
	Type string `json:"type"`
	Node string `json:"node,omitempty"`
}

// readPump pumps control commands from the connection to the master.
func (c *WSClient) readPump() {
	defer func() {
		c.manager.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS: read error: %v", err)
			}
			break
		}
		c.handleCommand(data)
	}
}

// writePump pumps status updates from the hub to the connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(50 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleCommand(data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("WS: invalid command format: %v", err)
		return
	}

	switch cmd.Type {
	case "focus":
		if cmd.Node == "" {
			log.Printf("WS: focus command without node from %s", c.ip)
			return
		}
		log.Printf("WS: focus request for '%s' from %s", cmd.Node, c.ip)
		c.manager.server.m.FocusByName(cmd.Node)

	case "reconnect":
		log.Printf("WS: reconnect request from %s", c.ip)
		c.manager.server.m.Reconnect()

	default:
		log.Printf("WS: unknown command type %q from %s", cmd.Type, c.ip)
	}
}
