package session

import (
	"log/slog"
	"time"

	"code-with-me/internal/document"
	"code-with-me/internal/protocol"
	"code-with-me/internal/transport"
)

// Transport is the replication connection of one session.
// *transport.Provider implements it.
type Transport interface {
	OnStatus(fn func(transport.Status))
	OnSync(fn func(synced bool))
	// Synced reports whether the replica is caught up with the room on
	// the current connection.
	Synced() bool
	Connect() error
	Close() error
}

// TransportFactory opens the transport of a new session.
type TransportFactory interface {
	NewTransport(endpoint, room string, doc *document.Doc, role Role) (Transport, error)
}

// ProviderFactory creates relay providers.
type ProviderFactory struct {
	// Name is announced to peers in presence messages.
	Name            string
	Logger          *slog.Logger
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewTransport implements TransportFactory.
func (f ProviderFactory) NewTransport(endpoint, room string, doc *document.Doc, role Role) (Transport, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := transport.New(endpoint, room, doc, transport.Options{
		Presence: protocol.Presence{
			ClientID: doc.ClientID(),
			Name:     f.Name,
			Role:     string(role),
		},
		Logger:          logger,
		InitialInterval: f.InitialInterval,
		MaxInterval:     f.MaxInterval,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("provider created", "url", p.URL(), "role", string(role))
	p.OnPeers(func(n int) {
		logger.Info("peers in room", "room", room, "count", n)
	})
	p.OnPresence(func(peer protocol.Presence) {
		logger.Info("peer joined", "room", room, "name", peer.Name, "role", peer.Role, "client", peer.ClientID)
	})
	return p, nil
}
