package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/deckbridge/bridge/internal/carabiner"
	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans engine events out to websocket clients. Messages are
// pushed by the engine's listeners rather than polled.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
	bridge  *carabiner.Bridge
}

func NewBroadcaster(bridge *carabiner.Bridge) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*client]bool),
		bridge:  bridge,
	}
}

// Attach subscribes the broadcaster to the engine's event streams. Call
// once before serving clients.
func (b *Broadcaster) Attach() {
	b.bridge.AddStatusListener(func(s carabiner.Snapshot) {
		b.broadcast(WSMessage{Type: MsgStatus, Payload: StatusPayload{State: s}})
	})
	b.bridge.AddDisconnectListener(func(unexpected bool) {
		b.broadcast(WSMessage{Type: MsgDisconnect, Payload: DisconnectPayload{Unexpected: unexpected}})
	})
	b.bridge.AddBadVersionListener(func(message string) {
		b.broadcast(WSMessage{Type: MsgBadVersion, Payload: BadVersionPayload{Message: message}})
	})
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	// New clients get the current state right away.
	msg := WSMessage{Type: MsgStatus, Payload: StatusPayload{State: b.bridge.State()}}
	data, _ := json.Marshal(msg)

	select {
	case c.send <- data:
	default:
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[server] broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("[server] ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
