// Package transport connects a document replica to a room on the relay
// and keeps it in sync: it exchanges state vectors on every connection,
// streams local updates, applies remote ones and reconnects with backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"code-with-me/internal/document"
	"code-with-me/internal/protocol"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Maximum time to write a message
	pongWait       = 60 * time.Second // Time to wait for the relay's ping
	maxMessageSize = 8 * 1024 * 1024  // Full-state updates can be large
	sendBuffer     = 256              // Queued outbound messages per connection

	// Presence, sync step 1 and the full state are queued before the
	// writer starts.
	minSendBuffer = 3
)

var (
	// ErrInvalidEndpoint is returned for endpoints that are not ws:// or wss:// URLs.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrClosed is returned when connecting a closed provider.
	ErrClosed = errors.New("provider closed")
)

// Status is the connection state reported to status handlers.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Options tunes a Provider. Zero values pick defaults.
type Options struct {
	Presence        protocol.Presence
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// SendBuffer bounds the outbound queue. A connection whose queue
	// overflows is dropped and resynchronized on reconnect.
	SendBuffer int
}

// Provider binds a Doc to one relay room.
type Provider struct {
	url      string
	room     string
	doc      *document.Doc
	presence protocol.Presence
	dialer   *websocket.Dialer
	log      *slog.Logger
	initial  time.Duration
	max      time.Duration
	buffer   int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	synced     bool
	started    bool
	closed     bool
	conn       *websocket.Conn
	send       chan []byte
	unobserve  func()
	onStatus   []func(Status)
	onSync     []func(bool)
	onPresence []func(protocol.Presence)
	onPeers    []func(int)
}

// New validates endpoint and prepares a provider for room. Nothing is
// dialed until Connect.
func New(endpoint, room string, doc *document.Doc, opts Options) (*Provider, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q (want ws or wss)", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, endpoint)
	}
	if room == "" {
		return nil, fmt.Errorf("%w: empty room", ErrInvalidEndpoint)
	}
	if doc == nil {
		return nil, errors.New("provider requires a document")
	}

	if opts.Presence.ClientID == "" {
		opts.Presence.ClientID = doc.ClientID()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = sendBuffer
	}
	if opts.SendBuffer < minSendBuffer {
		opts.SendBuffer = minSendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		url:      strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(room),
		room:     room,
		doc:      doc,
		presence: opts.Presence,
		dialer:   opts.Dialer,
		log:      opts.Logger.With("room", room),
		initial:  opts.InitialInterval,
		max:      opts.MaxInterval,
		buffer:   opts.SendBuffer,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusDisconnected,
	}, nil
}

// URL returns the room URL the provider dials.
func (p *Provider) URL() string {
	return p.url
}

// OnStatus registers fn for connection status changes.
func (p *Provider) OnStatus(fn func(Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStatus = append(p.onStatus, fn)
}

// OnSync registers fn for changes of the synced flag.
func (p *Provider) OnSync(fn func(synced bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = append(p.onSync, fn)
}

// OnPresence registers fn for peer announcements.
func (p *Provider) OnPresence(fn func(protocol.Presence)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPresence = append(p.onPresence, fn)
}

// OnPeers registers fn for room size updates from the relay.
func (p *Provider) OnPeers(fn func(count int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPeers = append(p.onPeers, fn)
}

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced reports whether the replica has caught up with the room since
// the last (re)connection.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Connect starts the connection loop in the background. Calling it again
// is a no-op.
func (p *Provider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	p.started = true
	p.unobserve = p.doc.OnUpdate(p.handleDocUpdate)

	go p.run()
	return nil
}

// Close stops the connection loop and waits for it to exit. Close is
// idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	conn := p.conn
	unobserve := p.unobserve
	p.mu.Unlock()

	p.cancel()
	if conn != nil {
		conn.Close()
	}
	if unobserve != nil {
		unobserve()
	}
	if started {
		<-p.done
	}
	return nil
}

func (p *Provider) run() {
	defer close(p.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if p.doc.Destroyed() {
			p.log.Debug("document destroyed, not reconnecting")
			return
		}
		p.setStatus(StatusConnecting)
		conn, _, err := p.dialer.DialContext(p.ctx, p.url, nil)
		if err == nil {
			b.Reset()
			p.serve(conn)
		} else if p.ctx.Err() == nil {
			p.log.Warn("dial failed", "url", p.url, "err", err)
		}

		p.setSynced(false)
		p.setStatus(StatusDisconnected)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve runs one connection until it drops.
func (p *Provider) serve(conn *websocket.Conn) {
	send := make(chan []byte, p.buffer)
	stop := make(chan struct{})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.send = send
	p.mu.Unlock()

	p.enqueue(conn, send, protocol.NewPresenceMessage(p.presence))
	p.enqueue(conn, send, protocol.NewSyncStep1Message(p.doc.StateVector()))
	if full := p.doc.EncodeStateAsUpdate(nil); !full.Empty() {
		if data, err := full.Encode(); err == nil {
			p.enqueue(conn, send, protocol.NewUpdateMessage(data))
		}
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		p.writePump(conn, send, stop)
	}()

	p.log.Info("connected", "url", p.url)
	p.setStatus(StatusConnected)
	p.readPump(conn, send)

	p.mu.Lock()
	p.conn = nil
	p.send = nil
	p.mu.Unlock()

	close(stop)
	conn.Close()
	<-written
	p.log.Info("disconnected", "url", p.url)
}

func (p *Provider) readPump(conn *websocket.Conn, send chan []byte) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && p.ctx.Err() == nil {
				p.log.Warn("unexpected websocket close", "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		for _, data := range protocol.SplitFrame(frame) {
			msg, err := protocol.MessageFromBytes(data)
			if err != nil {
				p.log.Warn("dropping malformed message", "err", err)
				continue
			}
			p.handle(msg, conn, send)
		}
	}
}

// writePump mirrors the relay's writer: queued messages are batched into
// one frame separated by newlines.
func (p *Provider) writePump(conn *websocket.Conn, send chan []byte, stop chan struct{}) {
	defer conn.Close()

	for {
		select {
		case <-stop:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-send)
			}

			if err := w.Close(); err != nil {
				return
			}
		}
	}
}

func (p *Provider) handle(msg *protocol.Message, conn *websocket.Conn, send chan []byte) {
	switch msg.Type {
	case protocol.MsgTypeSyncStep1:
		diff := p.doc.EncodeStateAsUpdate(document.StateVector(msg.StateVector))
		data, err := diff.Encode()
		if err != nil {
			p.log.Error("sync step2 encoding failed", "err", err)
			return
		}
		p.enqueue(conn, send, protocol.NewSyncStep2Message(data))

	case protocol.MsgTypeSyncStep2:
		p.apply(msg.Update)
		p.setSynced(true)

	case protocol.MsgTypeBacklog:
		for _, u := range msg.Updates {
			p.apply(u)
		}
		p.setSynced(true)

	case protocol.MsgTypeUpdate:
		p.apply(msg.Update)

	case protocol.MsgTypePresence:
		if msg.Presence.ClientID == p.presence.ClientID {
			return
		}
		p.mu.Lock()
		handlers := append([]func(protocol.Presence){}, p.onPresence...)
		p.mu.Unlock()
		for _, fn := range handlers {
			fn(*msg.Presence)
		}

	case protocol.MsgTypeUserCount:
		p.mu.Lock()
		handlers := append([]func(int){}, p.onPeers...)
		p.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.UserCount)
		}
	}
}

func (p *Provider) apply(data []byte) {
	u, err := document.DecodeUpdate(data)
	if err != nil {
		p.log.Warn("dropping undecodable update", "err", err)
		return
	}
	if err := p.doc.ApplyUpdate(u, p); err != nil {
		if errors.Is(err, document.ErrDestroyed) {
			return
		}
		p.log.Warn("remote update rejected", "err", err)
	}
}

// handleDocUpdate streams updates that did not come from this provider.
func (p *Provider) handleDocUpdate(u document.Update, origin any) {
	if origin == p {
		return
	}
	data, err := u.Encode()
	if err != nil {
		p.log.Error("update encoding failed", "err", err)
		return
	}

	p.mu.Lock()
	conn, send := p.conn, p.send
	p.mu.Unlock()
	if send == nil {
		// Offline edits go out with the full state on reconnect.
		return
	}
	p.enqueue(conn, send, protocol.NewUpdateMessage(data))
}

// enqueue queues msg on the connection's writer. Peers need every update
// of a client in order, so an overflowing queue drops the connection
// instead of the message; the reconnect resends the full state.
func (p *Provider) enqueue(conn *websocket.Conn, send chan []byte, msg *protocol.Message) {
	data, err := msg.ToBytes()
	if err != nil {
		p.log.Error("message serialization failed", "type", msg.Type, "err", err)
		conn.Close()
		return
	}
	select {
	case send <- data:
	default:
		p.log.Warn("send buffer full, dropping connection", "type", msg.Type, "queued", len(send))
		conn.Close()
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	handlers := append([]func(Status){}, p.onStatus...)
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (p *Provider) setSynced(synced bool) {
	p.mu.Lock()
	if p.synced == synced {
		p.mu.Unlock()
		return
	}
	p.synced = synced
	handlers := append([]func(bool){}, p.onSync...)
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(synced)
	}
}
