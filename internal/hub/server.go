package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes a Hub over HTTP. Providers connect to /{room}, with the
// room path-escaped; the root path joins DefaultRoom.
type Server struct {
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener
}

// NewServer creates a server for hub listening on addr.
func NewServer(addr string, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/{room}", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

// Listen binds the listening socket, so the chosen port is known before
// Serve is called.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("relay listening", "addr", s.listener.Addr().String())
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	return s.http.Shutdown(ctx)
}

type roomHealth struct {
	Name    string `json:"name"`
	Clients int    `json:"clients"`
	Backlog int    `json:"backlog"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms := []roomHealth{}
	for _, name := range s.hub.Rooms() {
		rooms = append(rooms, roomHealth{
			Name:    name,
			Clients: s.hub.ClientCountForRoom(name),
			Backlog: s.hub.BacklogLen(name),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"node":       s.hub.NodeID(),
		"rooms":      s.hub.RoomCount(),
		"clients":    s.hub.ClientCount(),
		"room_stats": rooms,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room, err := url.PathUnescape(mux.Vars(r)["room"])
	if err != nil {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	if room == "" {
		room = DefaultRoom
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(s.hub, conn, room)
	s.log.Info("new connection", "room", room, "remote", r.RemoteAddr, "client", client.id)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
