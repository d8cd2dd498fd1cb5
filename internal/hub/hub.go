// Package hub implements the relay: websocket clients join rooms, every
// message is forwarded to the other members of the room, and update
// payloads are kept in a per-room backlog so late joiners catch up. The
// relay never interprets document content.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"code-with-me/internal/protocol"
	"github.com/google/uuid"
)

// DefaultRoom is used for connections to the root path.
const DefaultRoom = protocol.DefaultRoom

const brokerTimeout = 5 * time.Second

// broadcastMessage pairs a message with its sender for broadcast routing
type broadcastMessage struct {
	message []byte
	sender  *Client
}

// room is the set of local clients sharing one document, plus the
// update payloads seen since the room was opened.
type room struct {
	clients     map[*Client]bool
	backlog     [][]byte
	unsubscribe func()
}

// Options configures a Hub.
type Options struct {
	Broker Broker
	Logger *slog.Logger
	NodeID string
}

// Hub coordinates WebSocket connections and routes messages between
// clients of the same room. It owns no document state; it only keeps a
// replay backlog per room and relays traffic through the broker so that
// several relay nodes can serve one room.
type Hub struct {
	node   string
	broker Broker
	log    *slog.Logger

	rooms      map[string]*room
	broadcast  chan *broadcastMessage
	register   chan *Client
	unregister chan *Client
	remote     chan Envelope
	publish    chan Envelope
	mu         sync.RWMutex
	quit       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates and initializes a new Hub instance
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	return &Hub{
		node:       opts.NodeID,
		broker:     opts.Broker,
		log:        opts.Logger.With("node", opts.NodeID),
		rooms:      make(map[string]*room),
		broadcast:  make(chan *broadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		remote:     make(chan Envelope, 256),
		publish:    make(chan Envelope, 256),
		quit:       make(chan struct{}),
	}
}

// NodeID returns the identifier this hub stamps on broker envelopes.
func (h *Hub) NodeID() string {
	return h.node
}

// Run starts the hub's main event loop, processing client
// registration, unregistration, and message broadcasting.
// This method blocks and should be run in a goroutine.
func (h *Hub) Run() {
	if h.broker != nil {
		go h.publishLoop()
	}

	for {
		select {
		case <-h.quit:
			h.log.Info("hub shutting down, closing all clients")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case bm := <-h.broadcast:
			if h.route(bm.sender.room, bm.message, bm.sender) && h.broker != nil {
				select {
				case h.publish <- Envelope{Node: h.node, Room: bm.sender.room, Payload: bm.message}:
				default:
					h.log.Warn("broker queue full, message not fanned out", "room", bm.sender.room)
				}
			}

		case env := <-h.remote:
			if env.Node == h.node {
				continue
			}
			h.route(env.Room, env.Payload, nil)
		}
	}
}

// Register adds a client to the hub. A client arriving after Shutdown is
// disconnected right away.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Broadcast relays a message from sender to the rest of its room.
func (h *Hub) Broadcast(message []byte, sender *Client) {
	select {
	case h.broadcast <- &broadcastMessage{message: message, sender: sender}:
	case <-h.quit:
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, r := range h.rooms {
		count += len(r.clients)
	}
	return count
}

// ClientCountForRoom returns the number of clients in a specific room.
func (h *Hub) ClientCountForRoom(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.rooms[name]; ok {
		return len(r.clients)
	}
	return 0
}

// RoomCount returns the number of open rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Rooms returns the names of the open rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BacklogLen returns the number of updates buffered for a room.
func (h *Hub) BacklogLen(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.rooms[name]; ok {
		return len(r.backlog)
	}
	return 0
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	r, ok := h.rooms[client.room]
	if !ok {
		r = &room{clients: make(map[*Client]bool)}
		h.rooms[client.room] = r
		h.log.Info("room opened", "room", client.room)
	}
	r.clients[client] = true
	backlog := r.backlog
	h.mu.Unlock()

	if !ok && h.broker != nil {
		r.unsubscribe = h.subscribe(client.room)
	}

	msgBytes, err := protocol.NewBacklogMessage(backlog).ToBytes()
	if err != nil {
		h.log.Error("backlog serialization failed", "err", err)
	} else {
		select {
		case client.send <- msgBytes:
		default:
		}
	}

	h.log.Info("client registered", "room", client.room, "client", client.id, "total", h.ClientCountForRoom(client.room))
	h.broadcastUserCount(client.room)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	r, ok := h.rooms[client.room]
	if !ok || !r.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(r.clients, client)
	close(client.send)
	empty := len(r.clients) == 0
	if empty {
		delete(h.rooms, client.room)
	}
	h.mu.Unlock()

	h.log.Info("client unregistered", "room", client.room, "client", client.id)
	if empty {
		if r.unsubscribe != nil {
			go r.unsubscribe()
		}
		h.log.Info("room closed, backlog dropped", "room", client.room, "updates", len(r.backlog))
		return
	}
	h.broadcastUserCount(client.room)
}

// route records updates in the room backlog and forwards the message to
// every local client except sender. It reports whether the message was
// valid for relaying.
func (h *Hub) route(name string, message []byte, sender *Client) bool {
	msg, err := protocol.MessageFromBytes(message)
	if err != nil {
		h.log.Warn("dropping invalid message", "room", name, "err", err)
		return false
	}
	if msg.Type == protocol.MsgTypeBacklog || msg.Type == protocol.MsgTypeUserCount {
		// Relay-generated types are never accepted from clients.
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[name]
	if !ok {
		return true
	}
	if msg.Type == protocol.MsgTypeUpdate {
		r.backlog = append(r.backlog, []byte(msg.Update))
	}

	sentCount := 0
	for client := range r.clients {
		if client == sender {
			continue
		}
		select {
		case client.send <- message:
			sentCount++
		default:
			// Use Unregister channel instead of direct deletion to avoid race condition
			go h.Unregister(client)
			h.log.Warn("client marked for removal due to full send buffer", "room", name, "client", client.id)
		}
	}

	h.log.Debug("relayed message", "room", name, "type", msg.Type, "recipients", sentCount)
	return true
}

// broadcastUserCount sends the current user count to every client of a room.
func (h *Hub) broadcastUserCount(name string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[name]
	if !ok {
		return
	}
	msgBytes, err := protocol.NewUserCountMessage(len(r.clients)).ToBytes()
	if err != nil {
		h.log.Error("user count message creation failed", "err", err)
		return
	}
	for client := range r.clients {
		select {
		case client.send <- msgBytes:
		default:
		}
	}
}

func (h *Hub) subscribe(name string) func() {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()

	unsubscribe, err := h.broker.Subscribe(ctx, name, func(env Envelope) {
		select {
		case h.remote <- env:
		case <-h.quit:
		}
	})
	if err != nil {
		h.log.Error("broker subscribe failed, room is local only", "room", name, "err", err)
		return nil
	}
	return unsubscribe
}

func (h *Hub) publishLoop() {
	for {
		select {
		case <-h.quit:
			return
		case env := <-h.publish:
			ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
			if err := h.broker.Publish(ctx, env); err != nil {
				h.log.Warn("broker publish failed", "room", env.Room, "err", err)
			}
			cancel()
		}
	}
}

// Shutdown gracefully stops the hub and closes all client connections.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// closeAllClients closes all client connections during shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, r := range h.rooms {
		for client := range r.clients {
			close(client.send)
			if client.conn != nil {
				if err := client.conn.Close(); err != nil {
					h.log.Warn("error closing client connection", "err", err)
				}
			}
		}
		if r.unsubscribe != nil {
			go r.unsubscribe()
		}
		delete(h.rooms, name)
	}
	h.log.Info("all clients closed")
}
