package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTextName is the name of the single shared text of a session.
const DefaultTextName = "shared-text"

var (
	// ErrDestroyed is returned by every mutation after Destroy.
	ErrDestroyed = errors.New("document destroyed")
	// ErrOutOfRange is returned for offsets outside the current text.
	ErrOutOfRange = errors.New("offset out of range")
	// ErrInvalidUpdate is returned when a remote update is malformed.
	ErrInvalidUpdate = errors.New("invalid update")
)

// Doc is one replica of a shared document. It owns named texts, the op
// log of every client it has heard from, and the state vector describing
// how much of each client's log it has applied. Remote ops whose causal
// predecessors are missing wait in a pending buffer.
type Doc struct {
	clientID string

	mu           sync.RWMutex
	clock        uint64
	sv           StateVector
	log          map[string][]Op
	texts        map[string]*Text
	pending      []Op
	version      uint64
	lastModified time.Time
	destroyed    bool

	nextObserver    int
	updateObservers map[int]func(Update, any)
}

// New creates an empty replica. An empty clientID gets a random one.
func New(clientID string) *Doc {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Doc{
		clientID:        clientID,
		sv:              make(StateVector),
		log:             make(map[string][]Op),
		texts:           make(map[string]*Text),
		lastModified:    time.Now(),
		updateObservers: make(map[int]func(Update, any)),
	}
}

// ClientID returns the replica's client identifier.
func (d *Doc) ClientID() string {
	return d.clientID
}

// Text returns the named text, creating it if needed.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = newText(d, name)
		d.texts[name] = t
	}
	return t
}

// OnUpdate registers fn to receive every committed update, local or
// remote, together with the origin passed to ApplyUpdate (nil for local
// transactions).
func (d *Doc) OnUpdate(fn func(u Update, origin any)) (unobserve func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextObserver++
	key := d.nextObserver
	d.updateObservers[key] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateObservers, key)
	}
}

// ApplyUpdate merges a remote update. The whole update is validated
// before anything is applied. Ops already known are ignored, and ops
// whose predecessors are missing are buffered until they arrive.
func (d *Doc) ApplyUpdate(u Update, origin any) error {
	for i := range u.Ops {
		if err := u.Ops[i].Validate(); err != nil {
			return fmt.Errorf("%w: op %d: %v", ErrInvalidUpdate, i, err)
		}
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	d.pending = append(d.pending, u.Ops...)
	applied, touched := d.drainLocked()
	if len(applied) == 0 {
		d.mu.Unlock()
		return nil
	}

	emit := d.commitLocked(Update{Ops: applied}, touched, origin)
	d.mu.Unlock()

	emit()
	return nil
}

// drainLocked applies every pending op whose dependencies are satisfied,
// repeating until no more progress is made.
func (d *Doc) drainLocked() ([]Op, map[*Text]bool) {
	var applied []Op
	touched := make(map[*Text]bool)

	for progress := true; progress; {
		progress = false
		var rest []Op
		for _, op := range d.pending {
			out, state := d.tryApplyLocked(op)
			switch state {
			case opApplied:
				applied = append(applied, out)
				touched[d.texts[out.Text]] = true
				progress = true
			case opDeferred:
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
	return applied, touched
}

type opState int

const (
	opApplied opState = iota
	opDuplicate
	opDeferred
)

func (d *Doc) tryApplyLocked(op Op) (Op, opState) {
	known := d.sv[op.ID.Client]
	if op.LastSeq() <= known {
		return op, opDuplicate
	}
	if op.ID.Seq <= known {
		op = op.suffix(known - op.ID.Seq + 1)
	}
	if op.ID.Seq != known+1 {
		return op, opDeferred
	}

	t := d.textLocked(op.Text)
	switch op.Kind {
	case OpInsert:
		if op.Origin != nil && t.index[*op.Origin] == nil {
			return op, opDeferred
		}
		t.integrate(newRun(op))
	case OpDelete:
		target := t.index[*op.Target]
		if target == nil {
			return op, opDeferred
		}
		if !target.deleted {
			target.deleted = true
			t.visible--
		}
	}

	if last := op.Clock + op.Span() - 1; last > d.clock {
		d.clock = last
	}
	d.sv[op.ID.Client] = op.LastSeq()
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	return op, opApplied
}

// commitLocked records a committed batch and returns the function that
// notifies observers. It must be called after the lock is released.
func (d *Doc) commitLocked(u Update, touched map[*Text]bool, origin any) func() {
	d.version++
	d.lastModified = time.Now()

	var textCalls []func()
	for t := range touched {
		if len(t.observers) == 0 {
			continue
		}
		ev := TextEvent{Name: t.name, Value: t.value(), Version: d.version}
		for _, fn := range t.observers {
			fn := fn
			textCalls = append(textCalls, func() { fn(ev) })
		}
	}
	updateFns := make([]func(Update, any), 0, len(d.updateObservers))
	for _, fn := range d.updateObservers {
		updateFns = append(updateFns, fn)
	}

	return func() {
		for _, fn := range updateFns {
			fn(u, origin)
		}
		for _, call := range textCalls {
			call()
		}
	}
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// EncodeStateAsUpdate returns every op a replica at sv is missing. A nil
// sv yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	clients := make([]string, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	sort.Strings(clients)

	var ops []Op
	for _, c := range clients {
		known := sv[c]
		for _, op := range d.log[c] {
			if op.LastSeq() <= known {
				continue
			}
			if op.ID.Seq <= known {
				op = op.suffix(known - op.ID.Seq + 1)
			}
			ops = append(ops, op)
		}
	}
	return Update{Ops: ops}
}

// Pending returns the number of buffered remote ops.
func (d *Doc) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Version returns the number of committed batches.
func (d *Doc) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Stats returns version, last modified time, and the visible length of
// the named text.
func (d *Doc) Stats(name string) (version uint64, lastModified time.Time, length int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if t, ok := d.texts[name]; ok {
		length = t.visible
	}
	return d.version, d.lastModified, length
}

// Destroy drops all observers and pending ops. Later mutations fail with
// ErrDestroyed. Destroy is idempotent.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.destroyed = true
	d.pending = nil
	d.updateObservers = make(map[int]func(Update, any))
	for _, t := range d.texts {
		t.observers = make(map[int]func(TextEvent))
	}
}

// Destroyed reports whether Destroy has been called.
func (d *Doc) Destroyed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.destroyed
}
