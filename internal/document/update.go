package document

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ID identifies one element (or one delete) produced by a replica.
// Seq numbers are contiguous per client, starting at 1.
type ID struct {
	Client string `json:"c"`
	Seq    uint64 `json:"s"`
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

// OpKind represents the type of a CRDT operation
type OpKind string

const (
	OpInsert OpKind = "insert" // Insert a run of runes after Origin
	OpDelete OpKind = "delete" // Tombstone the element Target
)

// Op is one replicated operation. An insert carries a run of runes:
// rune i gets ID{Client, Seq+i}, clock Clock+i and, for i > 0, the
// previous rune of the run as its origin.
type Op struct {
	Kind   OpKind `json:"k"`
	Text   string `json:"n"`
	ID     ID     `json:"id"`
	Clock  uint64 `json:"clk"`
	Origin *ID    `json:"o,omitempty"`
	Value  string `json:"v,omitempty"`
	Target *ID    `json:"t,omitempty"`
}

// Span returns the number of sequence numbers the op consumes.
func (op *Op) Span() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Value))
	}
	return 1
}

// LastSeq returns the highest sequence number covered by the op.
func (op *Op) LastSeq() uint64 {
	return op.ID.Seq + op.Span() - 1
}

// Validate checks the op is well formed.
func (op *Op) Validate() error {
	if op.ID.Client == "" {
		return fmt.Errorf("op has no client id")
	}
	if op.ID.Seq == 0 {
		return fmt.Errorf("op %s has zero sequence", op.ID)
	}
	if op.Text == "" {
		return fmt.Errorf("op %s has no text name", op.ID)
	}

	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return fmt.Errorf("insert %s must have non-empty value", op.ID)
		}
		if !utf8.ValidString(op.Value) {
			return fmt.Errorf("insert %s value is not valid utf-8", op.ID)
		}
		if op.Target != nil {
			return fmt.Errorf("insert %s must not carry a target", op.ID)
		}
	case OpDelete:
		if op.Target == nil {
			return fmt.Errorf("delete %s must carry a target", op.ID)
		}
	default:
		return fmt.Errorf("unknown op kind: %s", op.Kind)
	}
	return nil
}

// suffix returns the part of an insert run starting at offset k.
func (op Op) suffix(k uint64) Op {
	runes := []rune(op.Value)
	origin := ID{Client: op.ID.Client, Seq: op.ID.Seq + k - 1}
	return Op{
		Kind:   OpInsert,
		Text:   op.Text,
		ID:     ID{Client: op.ID.Client, Seq: op.ID.Seq + k},
		Clock:  op.Clock + k,
		Origin: &origin,
		Value:  string(runes[k:]),
	}
}

// Update is a batch of ops committed together. A local transaction
// produces exactly one Update.
type Update struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether the update carries no ops.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Encode serializes the update to JSON bytes.
func (u Update) Encode() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update: %w", err)
	}
	return data, nil
}

// DecodeUpdate deserializes an update from JSON bytes.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("failed to unmarshal update: %w", err)
	}
	return u, nil
}

// StateVector maps a client to the number of its ops a replica has applied.
type StateVector map[string]uint64

// Clone returns a copy of the state vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}
