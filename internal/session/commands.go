package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"code-with-me/internal/protocol"
)

// DefaultEndpoint is the relay used when none is configured.
const DefaultEndpoint = "ws://localhost:1234"

// ErrInvalidInvite is returned for invite links that do not name a relay.
var ErrInvalidInvite = errors.New("invalid invite link")

// Commands are the user-facing session actions.
type Commands struct {
	manager  *Manager
	endpoint string
	room     string
}

// NewCommands binds the commands to m. Empty endpoint and room pick the
// defaults used for hosted sessions.
func NewCommands(m *Manager, endpoint, room string) *Commands {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if room == "" {
		room = protocol.DefaultRoom
	}
	return &Commands{manager: m, endpoint: endpoint, room: room}
}

// StartHostedSession starts a session as host on the configured relay and
// returns the invite link for it.
func (c *Commands) StartHostedSession(ctx context.Context) (string, error) {
	if err := c.manager.Start(ctx, c.endpoint, c.room, RoleHost); err != nil {
		c.manager.notifier.Error("could not start session", err)
		return "", err
	}
	invite := FormatInviteLink(c.endpoint, c.room)
	c.manager.notifier.Info("session started, invite: " + invite)
	return invite, nil
}

// JoinSession joins the session an invite link points to.
func (c *Commands) JoinSession(ctx context.Context, link string) error {
	endpoint, room, err := ParseInviteLink(link)
	if err != nil {
		c.manager.notifier.Error("could not join session", err)
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	if err := c.manager.Start(ctx, endpoint, room, RoleGuest); err != nil {
		c.manager.notifier.Error("could not join session", err)
		return err
	}
	c.manager.notifier.Info(fmt.Sprintf("joined room %s on %s", room, endpoint))
	return nil
}

// StopSession ends the active session, if any.
func (c *Commands) StopSession() {
	if c.manager.State() == StateIdle {
		return
	}
	c.manager.Stop()
	c.manager.notifier.Info("session stopped")
}

// InviteLink returns the link for the active session, or for the
// configured relay and room when idle.
func (c *Commands) InviteLink() string {
	if info, ok := c.manager.Info(); ok {
		return FormatInviteLink(info.Endpoint, info.Room)
	}
	return FormatInviteLink(c.endpoint, c.room)
}

// FormatInviteLink joins an endpoint and a room into an invite link.
func FormatInviteLink(endpoint, room string) string {
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(room)
}

// ParseInviteLink splits an invite link into the relay endpoint and the
// room. The room is the last path segment; a link without one joins
// the default room.
func ParseInviteLink(link string) (endpoint, room string, err error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", "", fmt.Errorf("%w: empty link", ErrInvalidInvite)
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", "", fmt.Errorf("%w: scheme %q (want ws or wss)", ErrInvalidInvite, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host", ErrInvalidInvite)
	}

	// Split before unescaping so an escaped "/" stays inside the room.
	path := strings.Trim(u.EscapedPath(), "/")
	prefix, last := "", path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		prefix = "/" + path[:i]
		last = path[i+1:]
	}
	room, err = url.PathUnescape(last)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if room == "" {
		room = protocol.DefaultRoom
	}
	return u.Scheme + "://" + u.Host + prefix, room, nil
}
