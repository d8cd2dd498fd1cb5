// Package protocol defines the JSON messages exchanged between providers
// and the relay. The relay only looks at Type; document payloads are
// opaque to it.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultRoom is the room used when an endpoint or invite names none.
const DefaultRoom = "code-with-me-room"

// MessageType represents the kind of message being sent
type MessageType string

const (
	MsgTypeSyncStep1 MessageType = "sync_step1" // State vector of the sender
	MsgTypeSyncStep2 MessageType = "sync_step2" // Ops the step1 sender is missing
	MsgTypeUpdate    MessageType = "update"     // Incremental document update
	MsgTypeBacklog   MessageType = "backlog"    // Relay replay of a room's updates
	MsgTypePresence  MessageType = "presence"   // Peer identity announcement
	MsgTypeUserCount MessageType = "user_count" // System message for user count
)

// Presence identifies a peer in a room.
type Presence struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Message is the envelope for everything sent over a room connection.
type Message struct {
	Type        MessageType       `json:"type"`
	StateVector map[string]uint64 `json:"state_vector,omitempty"`
	Update      json.RawMessage   `json:"update,omitempty"`
	Updates     []json.RawMessage `json:"updates,omitempty"`
	Presence    *Presence         `json:"presence,omitempty"`
	UserCount   int               `json:"user_count,omitempty"`
}

// NewSyncStep1Message announces the sender's state vector.
func NewSyncStep1Message(sv map[string]uint64) *Message {
	if sv == nil {
		sv = map[string]uint64{}
	}
	return &Message{Type: MsgTypeSyncStep1, StateVector: sv}
}

// NewSyncStep2Message answers a step1 with an encoded update.
func NewSyncStep2Message(update []byte) *Message {
	return &Message{Type: MsgTypeSyncStep2, Update: update}
}

// NewUpdateMessage wraps an encoded update.
func NewUpdateMessage(update []byte) *Message {
	return &Message{Type: MsgTypeUpdate, Update: update}
}

// NewBacklogMessage bundles the updates a room has seen so far.
func NewBacklogMessage(updates [][]byte) *Message {
	raw := make([]json.RawMessage, len(updates))
	for i, u := range updates {
		raw[i] = u
	}
	return &Message{Type: MsgTypeBacklog, Updates: raw}
}

// NewPresenceMessage announces a peer.
func NewPresenceMessage(p Presence) *Message {
	return &Message{Type: MsgTypePresence, Presence: &p}
}

// NewUserCountMessage creates a user count system message.
func NewUserCountMessage(count int) *Message {
	return &Message{Type: MsgTypeUserCount, UserCount: count}
}

// Validate checks that the message carries what its type requires.
func (m *Message) Validate() error {
	switch m.Type {
	case MsgTypeSyncStep1:
		if m.StateVector == nil {
			return fmt.Errorf("%s message has no state vector", m.Type)
		}
	case MsgTypeSyncStep2, MsgTypeUpdate:
		if len(m.Update) == 0 {
			return fmt.Errorf("%s message has no update", m.Type)
		}
	case MsgTypeBacklog, MsgTypeUserCount:
	case MsgTypePresence:
		if m.Presence == nil || m.Presence.ClientID == "" {
			return fmt.Errorf("presence message has no client id")
		}
	default:
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	return nil
}

// ToBytes serializes the message to JSON bytes.
func (m *Message) ToBytes() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// MessageFromBytes deserializes and validates a message.
func MessageFromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SplitFrame splits a websocket frame into messages. The relay's writer
// batches queued messages into one frame separated by newlines.
func SplitFrame(frame []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(frame, []byte{'\n'}) {
		part = bytes.TrimSpace(part)
		if len(part) > 0 {
			out = append(out, part)
		}
	}
	return out
}
