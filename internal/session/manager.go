// Package session owns the lifecycle of a collaboration session: it
// creates the replica, opens the transport, binds the active editor
// document and tears all of it down again, one session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"code-with-me/internal/collab"
	"code-with-me/internal/document"
	"code-with-me/internal/editor"
	"code-with-me/internal/transport"
)

var (
	// ErrInitialization is returned when a session could not be created.
	ErrInitialization = errors.New("session initialization failed")
	// ErrConnection is returned when the relay was not reached within
	// the connect timeout.
	ErrConnection = errors.New("relay unreachable")
)

// Role is the part a replica plays in a session.
type Role string

const (
	RoleHost  Role = "host"  // Seeds the shared text from its buffer
	RoleGuest Role = "guest" // Adopts the shared text
)

// State is the lifecycle state of a Manager.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// Info describes the active session.
type Info struct {
	Endpoint string
	Room     string
	Role     Role
	ClientID string

	// Synced reports whether the replica is caught up with the room.
	Synced bool
	// Version counts the commits of the replica.
	Version uint64
	// Length is the shared text's length in runes.
	Length       int
	LastModified time.Time
	// Pending counts remote ops waiting for their predecessors.
	Pending int
}

// Options configures a Manager.
type Options struct {
	Editor     editor.Editor
	Transports TransportFactory
	Notifier   Notifier
	Logger     *slog.Logger
	// ConnectTimeout makes Start wait for the first connection. Zero
	// returns right after dialing starts.
	ConnectTimeout time.Duration
	// ClientID fixes the replica client id; empty picks a random one
	// per session.
	ClientID string
}

type activeSession struct {
	info      Info
	doc       *document.Doc
	text      *document.Text
	transport Transport
	subs      *SubscriptionSet
	cancel    context.CancelFunc
	synced    atomic.Bool // first sync seen
}

// Manager runs at most one session at a time.
type Manager struct {
	editor         editor.Editor
	transports     TransportFactory
	notifier       Notifier
	log            *slog.Logger
	connectTimeout time.Duration
	clientID       string

	// guard is shared by every session of the process.
	guard *collab.FeedbackGuard
	gen   atomic.Uint64

	mu     sync.Mutex // serializes Start and Stop
	active *activeSession
}

// NewManager creates an idle manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.Transports == nil {
		opts.Transports = ProviderFactory{Logger: opts.Logger}
	}
	return &Manager{
		editor:         opts.Editor,
		transports:     opts.Transports,
		notifier:       opts.Notifier,
		log:            opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		clientID:       opts.ClientID,
		guard:          &collab.FeedbackGuard{},
	}
}

// State returns Idle or Active.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return StateIdle
	}
	return StateActive
}

// Info returns the active session's description.
func (m *Manager) Info() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Info{}, false
	}
	s := m.active
	info := s.info
	info.Synced = s.transport.Synced()
	info.Version = s.doc.Version()
	_, info.LastModified, info.Length = s.doc.Stats(document.DefaultTextName)
	info.Pending = s.doc.Pending()
	return info, true
}

// Start stops any active session and starts a new one on room at
// endpoint. On failure the manager is left idle.
func (m *Manager) Start(ctx context.Context, endpoint, room string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if m.editor == nil {
		return fmt.Errorf("%w: no editor", ErrInitialization)
	}

	gen := m.gen.Add(1)
	alive := func() bool { return m.gen.Load() == gen }

	doc := document.New(m.clientID)
	text := doc.Text(document.DefaultTextName)

	tr, err := m.transports.NewTransport(endpoint, room, doc, role)
	if err != nil {
		m.gen.Add(1)
		doc.Destroy()
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &activeSession{
		info:      Info{Endpoint: endpoint, Room: room, Role: role, ClientID: doc.ClientID()},
		doc:       doc,
		text:      text,
		transport: tr,
		subs:      &SubscriptionSet{},
		cancel:    cancel,
	}
	log := m.log.With("room", room, "role", string(role))

	translator := collab.NewTranslator(m.editor, text, m.guard, log)
	applicator := collab.NewApplicator(m.editor, text, m.guard, alive, log)

	// Until the room's state has arrived the editor is never written: the
	// replica may still be missing everything the room already holds.
	s.subs.AddFunc(text.Observe(func(ev document.TextEvent) {
		if s.synced.Load() {
			m.report(applicator.HandleTextChange(sctx, ev))
		}
	}))
	s.subs.Add(m.editor.OnDidChangeDocument(func(ev editor.ChangeEvent) {
		if role == RoleHost && !s.synced.Load() {
			// The host's buffer seeds the room on first sync, so its
			// edits are carried by the buffer until then.
			log.Debug("deferring host edit until sync", "uri", ev.URI)
			return
		}
		if err := translator.HandleChange(ev); err != nil {
			m.report(err)
			if s.synced.Load() {
				m.report(applicator.Reconcile(sctx))
			}
		}
	}))
	s.subs.Add(m.editor.OnDidChangeActiveEditor(func(uri editor.URI, ok bool) {
		if s.synced.Load() {
			m.report(applicator.HandleActiveEditorChange(sctx, uri, ok))
		}
	}))

	connected := make(chan struct{})
	var connectedOnce sync.Once
	tr.OnStatus(func(st transport.Status) {
		if !alive() {
			return
		}
		log.Info("connection status", "status", string(st))
		switch st {
		case transport.StatusConnected:
			connectedOnce.Do(func() { close(connected) })
		case transport.StatusDisconnected:
			m.notifier.Info(fmt.Sprintf("disconnected from %s, reconnecting", endpoint))
		}
	})

	tr.OnSync(func(synced bool) {
		if !synced || !alive() || !s.synced.CompareAndSwap(false, true) {
			return
		}
		if role == RoleHost {
			m.seed(text, log)
		}
		m.report(applicator.Reconcile(sctx))
		log.Info("session synced")
	})

	if err := tr.Connect(); err != nil {
		m.teardown(s)
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	if m.connectTimeout > 0 {
		timer := time.NewTimer(m.connectTimeout)
		defer timer.Stop()

		select {
		case <-connected:
		case <-timer.C:
			m.teardown(s)
			return fmt.Errorf("%w: %s not reached within %s", ErrConnection, endpoint, m.connectTimeout)
		case <-ctx.Done():
			m.teardown(s)
			return fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		}
	}

	m.active = s
	log.Info("session started", "endpoint", endpoint, "client", doc.ClientID())
	return nil
}

// Stop ends the active session. Stopping an idle manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.active == nil {
		return
	}
	s := m.active
	m.active = nil
	m.teardown(s)
	m.log.Info("session stopped", "room", s.info.Room)
}

// teardown invalidates in-flight handlers first so that nothing from the
// old session touches the editor once a new one starts.
func (m *Manager) teardown(s *activeSession) {
	m.gen.Add(1)
	s.cancel()
	s.subs.Dispose()
	if err := s.transport.Close(); err != nil {
		m.log.Warn("transport close failed", "err", err)
	}
	s.doc.Destroy()
}

// seed makes the host's buffer the initial shared content when the room
// turned out to be empty.
func (m *Manager) seed(text *document.Text, log *slog.Logger) {
	_, current, ok := m.editor.ActiveDocument()
	if !ok || current == "" {
		return
	}
	seeded := false
	err := text.Transact(func(tx *document.TextTx) error {
		if tx.Len() > 0 {
			return nil
		}
		seeded = true
		return tx.Insert(0, current)
	})
	if err != nil {
		m.report(fmt.Errorf("failed to seed shared text: %w", err))
		return
	}
	if seeded {
		log.Info("seeded shared text from host buffer", "length", len(current))
	}
}

func (m *Manager) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, collab.ErrStaleSession), errors.Is(err, document.ErrDestroyed):
		m.log.Debug("ignoring error from ended session", "err", err)
	default:
		m.log.Error("session error", "err", err)
		m.notifier.Error("collaboration error", err)
	}
}
