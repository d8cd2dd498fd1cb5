package document

import (
	"fmt"
	"strings"
)

// item is one rune of a text, live or tombstoned.
type item struct {
	id      ID
	clock   uint64
	origin  *ID
	value   rune
	deleted bool
}

// outranks reports whether a is placed before b when both compete for the
// same spot. Integration skips every element that outranks the new one.
func (a *item) outranks(b *item) bool {
	if a.clock != b.clock {
		return a.clock > b.clock
	}
	return a.id.Client > b.id.Client
}

// TextEvent is delivered to text observers after every committed local
// transaction and every remote batch that touched the text.
type TextEvent struct {
	Name    string
	Value   string
	Version uint64
}

// Text is a replicated sequence of runes inside a Doc. All offsets are
// rune offsets.
type Text struct {
	doc       *Doc
	name      string
	items     []*item
	index     map[ID]*item
	visible   int
	hint      int
	observers map[int]func(TextEvent)
}

func newText(doc *Doc, name string) *Text {
	return &Text{
		doc:       doc,
		name:      name,
		index:     make(map[ID]*item),
		observers: make(map[int]func(TextEvent)),
	}
}

// Name returns the name the text was created with.
func (t *Text) Name() string {
	return t.name
}

// String returns the materialized value.
func (t *Text) String() string {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	return t.value()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	return t.visible
}

// Insert inserts s at offset as its own transaction.
func (t *Text) Insert(offset int, s string) error {
	return t.Transact(func(tx *TextTx) error {
		return tx.Insert(offset, s)
	})
}

// Delete removes length runes at offset as its own transaction.
func (t *Text) Delete(offset, length int) error {
	return t.Transact(func(tx *TextTx) error {
		return tx.Delete(offset, length)
	})
}

// Transact runs fn with exclusive access to the text. Everything fn does
// is committed as a single Update; if fn returns an error, all of it is
// rolled back and nothing is broadcast. fn must not call other methods
// of the Doc or its texts.
func (t *Text) Transact(fn func(tx *TextTx) error) error {
	d := t.doc
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	tx := &TextTx{
		text:      t,
		prevClock: d.clock,
		prevSeq:   d.sv[d.clientID],
		prevLog:   len(d.log[d.clientID]),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		d.mu.Unlock()
		return err
	}
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return nil
	}

	update := Update{Ops: tx.ops}
	emit := d.commitLocked(update, map[*Text]bool{t: true}, nil)
	d.mu.Unlock()

	emit()
	return nil
}

// Observe registers fn for change notifications on this text.
func (t *Text) Observe(fn func(TextEvent)) (unobserve func()) {
	d := t.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextObserver++
	key := d.nextObserver
	t.observers[key] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(t.observers, key)
	}
}

func (t *Text) value() string {
	var b strings.Builder
	for _, it := range t.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// visibleAt returns the slice index of the visible rune at offset,
// scanning from whichever end is closer.
func (t *Text) visibleAt(offset int) int {
	if offset < 0 || offset >= t.visible {
		return -1
	}
	if offset < t.visible/2 {
		n := 0
		for i, it := range t.items {
			if it.deleted {
				continue
			}
			if n == offset {
				return i
			}
			n++
		}
		return -1
	}
	n := t.visible - 1
	for i := len(t.items) - 1; i >= 0; i-- {
		if t.items[i].deleted {
			continue
		}
		if n == offset {
			return i
		}
		n--
	}
	return -1
}

// indexOf returns the slice index of the element with the given id.
func (t *Text) indexOf(id ID) int {
	if t.hint < len(t.items) && t.items[t.hint].id == id {
		return t.hint
	}
	for i, it := range t.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places a run using the RGA rule: right after the origin of
// its first element, past every element that orders before it. Each
// later element of a run has its predecessor as origin and a higher
// clock than anything the first one stopped at, so the run is spliced
// in as one block.
func (t *Text) integrate(run []*item) {
	if len(run) == 0 {
		return
	}
	first := run[0]
	i := 0
	if first.origin != nil {
		i = t.indexOf(*first.origin) + 1
	}
	for i < len(t.items) && t.items[i].outranks(first) {
		i++
	}

	t.items = append(t.items, run...)
	copy(t.items[i+len(run):], t.items[i:len(t.items)-len(run)])
	copy(t.items[i:], run)
	for _, it := range run {
		t.index[it.id] = it
		if !it.deleted {
			t.visible++
		}
	}
	t.hint = i + len(run) - 1
}

// newRun builds the items of an insert op.
func newRun(op Op) []*item {
	runes := []rune(op.Value)
	run := make([]*item, len(runes))
	prev := op.Origin
	for k, r := range runes {
		run[k] = &item{
			id:     ID{Client: op.ID.Client, Seq: op.ID.Seq + uint64(k)},
			clock:  op.Clock + uint64(k),
			origin: prev,
			value:  r,
		}
		prev = &run[k].id
	}
	return run
}

func (t *Text) remove(ids map[ID]bool) {
	kept := t.items[:0]
	for _, it := range t.items {
		if ids[it.id] {
			delete(t.index, it.id)
			if !it.deleted {
				t.visible--
			}
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(t.items); i++ {
		t.items[i] = nil
	}
	t.items = kept
	t.hint = 0
}

// TextTx is the view of a text inside Transact.
type TextTx struct {
	text      *Text
	ops       []Op
	inserted  map[ID]bool
	deleted   []*item
	prevClock uint64
	prevSeq   uint64
	prevLog   int
}

// String returns the value as seen inside the transaction.
func (tx *TextTx) String() string {
	return tx.text.value()
}

// Len returns the visible length inside the transaction.
func (tx *TextTx) Len() int {
	return tx.text.visible
}

// Insert inserts s at the rune offset.
func (tx *TextTx) Insert(offset int, s string) error {
	t := tx.text
	if offset < 0 || offset > t.visible {
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, offset, t.visible)
	}
	if s == "" {
		return nil
	}

	d := t.doc
	var origin *ID
	if offset > 0 {
		left := t.items[t.visibleAt(offset-1)].id
		origin = &left
	}

	op := Op{
		Kind:   OpInsert,
		Text:   t.name,
		ID:     ID{Client: d.clientID, Seq: d.sv[d.clientID] + 1},
		Clock:  d.clock + 1,
		Origin: origin,
		Value:  s,
	}

	if tx.inserted == nil {
		tx.inserted = make(map[ID]bool)
	}
	run := newRun(op)
	t.integrate(run)
	for _, it := range run {
		tx.inserted[it.id] = true
	}

	d.clock = op.Clock + op.Span() - 1
	d.sv[d.clientID] = op.LastSeq()
	d.log[d.clientID] = append(d.log[d.clientID], op)
	tx.ops = append(tx.ops, op)
	return nil
}

// Delete removes length runes at the rune offset.
func (tx *TextTx) Delete(offset, length int) error {
	t := tx.text
	if offset < 0 || length < 0 || offset+length > t.visible {
		return fmt.Errorf("%w: delete [%d, %d), length %d", ErrOutOfRange, offset, offset+length, t.visible)
	}
	if length == 0 {
		return nil
	}

	d := t.doc
	start := t.visibleAt(offset)
	var targets []*item
	for i := start; i < len(t.items) && len(targets) < length; i++ {
		if !t.items[i].deleted {
			targets = append(targets, t.items[i])
		}
	}

	for _, it := range targets {
		it.deleted = true
		t.visible--
		tx.deleted = append(tx.deleted, it)

		d.clock++
		d.sv[d.clientID]++
		target := it.id
		op := Op{
			Kind:   OpDelete,
			Text:   t.name,
			ID:     ID{Client: d.clientID, Seq: d.sv[d.clientID]},
			Clock:  d.clock,
			Target: &target,
		}
		d.log[d.clientID] = append(d.log[d.clientID], op)
		tx.ops = append(tx.ops, op)
	}
	return nil
}

// Replace deletes length runes at offset and inserts s in their place.
func (tx *TextTx) Replace(offset, length int, s string) error {
	if err := tx.Delete(offset, length); err != nil {
		return err
	}
	return tx.Insert(offset, s)
}

func (tx *TextTx) rollback() {
	t := tx.text
	d := t.doc
	for _, it := range tx.deleted {
		if it.deleted {
			it.deleted = false
			t.visible++
		}
	}
	if len(tx.inserted) > 0 {
		t.remove(tx.inserted)
	}
	d.clock = tx.prevClock
	d.sv[d.clientID] = tx.prevSeq
	if d.sv[d.clientID] == 0 {
		delete(d.sv, d.clientID)
	}
	d.log[d.clientID] = d.log[d.clientID][:tx.prevLog]
}
