// Package crdt implements the replicated text type the sync layer merges.
//
// A document is a replicated growable array: every inserted rune carries a
// unique (client, clock) identifier and the identifier of the rune it was
// typed after. Deletes are tombstones. Applying a delta is a set union, so
// deltas may arrive in any order and any number of times.
package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Origin tags where an applied delta came from.
type Origin string

// LocalOrigin marks deltas produced by edits on this replica.
const LocalOrigin Origin = "local"

// IsLocal reports whether the delta was produced by this replica.
func (o Origin) IsLocal() bool {
	return o == LocalOrigin
}

// Observer receives every delta applied to a document together with its origin.
type Observer func(update []byte, origin Origin)

// Document is a single replica of a collaborative text.
type Document struct {
	mu        sync.Mutex
	client    string
	clock     uint64
	items     map[ItemID]Item
	children  map[ItemID][]ItemID
	pending   map[ItemID]Item
	deleted   map[ItemID]struct{}
	observers map[int]Observer
	nextObsID int
	destroyed bool
}

// NewDocument constructs an empty replica whose local inserts are attributed to client.
func NewDocument(client string) *Document {
	return &Document{
		client:    client,
		items:     make(map[ItemID]Item),
		children:  make(map[ItemID][]ItemID),
		pending:   make(map[ItemID]Item),
		deleted:   make(map[ItemID]struct{}),
		observers: make(map[int]Observer),
	}
}

// Observe registers an observer and returns the function that removes it.
func (d *Document) Observe(observer Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObsID++
	id := d.nextObsID
	d.observers[id] = observer
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Text renders the visible content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var builder strings.Builder
	for _, id := range d.visibleLocked() {
		builder.WriteString(d.items[id].Value)
	}
	return builder.String()
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleLocked())
}

// Insert places text before the rune currently at position (in runes).
func (d *Document) Insert(position int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	visible := d.visibleLocked()
	if position < 0 || position > len(visible) {
		d.mu.Unlock()
		return fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, position, len(visible))
	}
	origin := ItemID{}
	if position > 0 {
		origin = visible[position-1]
	}
	update := Update{Items: make([]Item, 0, utf8.RuneCountInString(text))}
	for _, r := range text {
		d.clock++
		item := Item{
			ID:     ItemID{Client: d.client, Clock: d.clock},
			Origin: origin,
			Value:  string(r),
		}
		d.integrateLocked(item)
		update.Items = append(update.Items, item)
		origin = item.ID
	}
	observers := d.observersLocked()
	d.mu.Unlock()
	return notify(observers, update, LocalOrigin)
}

// Delete tombstones length runes starting at position.
func (d *Document) Delete(position, length int) error {
	if length <= 0 {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	visible := d.visibleLocked()
	if position < 0 || position+length > len(visible) {
		d.mu.Unlock()
		return fmt.Errorf("%w: delete %d at %d of %d", ErrOutOfRange, length, position, len(visible))
	}
	update := Update{Deletes: make([]ItemID, 0, length)}
	for _, id := range visible[position : position+length] {
		d.deleted[id] = struct{}{}
		update.Deletes = append(update.Deletes, id)
	}
	observers := d.observersLocked()
	d.mu.Unlock()
	return notify(observers, update, LocalOrigin)
}

// ApplyUpdate merges an encoded delta produced by any replica. Items already
// known are ignored, so re-applying a delta is a no-op.
func (d *Document) ApplyUpdate(payload []byte, origin Origin) error {
	update, err := DecodeUpdate(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	applied := Update{}
	for _, item := range update.Items {
		if _, known := d.items[item.ID]; known {
			continue
		}
		if _, waiting := d.pending[item.ID]; waiting {
			continue
		}
		if item.ID.Clock > d.clock {
			d.clock = item.ID.Clock
		}
		applied.Items = append(applied.Items, item)
		if !item.Origin.IsZero() {
			if _, known := d.items[item.Origin]; !known {
				d.pending[item.ID] = item
				continue
			}
		}
		d.integrateLocked(item)
	}
	d.drainPendingLocked()
	for _, id := range update.Deletes {
		if _, gone := d.deleted[id]; gone {
			continue
		}
		d.deleted[id] = struct{}{}
		applied.Deletes = append(applied.Deletes, id)
	}
	if applied.Empty() {
		d.mu.Unlock()
		return nil
	}
	observers := d.observersLocked()
	d.mu.Unlock()
	return notify(observers, applied, origin)
}

// EncodeState serialises the full replica, including items still waiting for
// their origin, as a single delta. Output is canonical: two replicas holding
// the same items and tombstones encode to identical bytes.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	state := Update{
		Items:   make([]Item, 0, len(d.items)+len(d.pending)),
		Deletes: make([]ItemID, 0, len(d.deleted)),
	}
	for _, item := range d.items {
		state.Items = append(state.Items, item)
	}
	for _, item := range d.pending {
		state.Items = append(state.Items, item)
	}
	for id := range d.deleted {
		state.Deletes = append(state.Deletes, id)
	}
	d.mu.Unlock()
	return EncodeUpdate(state)
}

// Destroy drops every observer and rejects further edits.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.observers = make(map[int]Observer)
}

func (d *Document) integrateLocked(item Item) {
	d.items[item.ID] = item
	siblings := d.children[item.Origin]
	index := sort.Search(len(siblings), func(i int) bool {
		return item.ID.precedes(siblings[i])
	})
	siblings = append(siblings, ItemID{})
	copy(siblings[index+1:], siblings[index:])
	siblings[index] = item.ID
	d.children[item.Origin] = siblings
}

func (d *Document) drainPendingLocked() {
	for progressed := true; progressed; {
		progressed = false
		for id, item := range d.pending {
			if _, known := d.items[item.Origin]; !known {
				continue
			}
			delete(d.pending, id)
			d.integrateLocked(item)
			progressed = true
		}
	}
}

// visibleLocked walks the item tree depth first, newest sibling first.
func (d *Document) visibleLocked() []ItemID {
	ordered := make([]ItemID, 0, len(d.items))
	stack := []ItemID{}
	roots := d.children[ItemID{}]
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, gone := d.deleted[id]; !gone {
			ordered = append(ordered, id)
		}
		kids := d.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return ordered
}

func (d *Document) observersLocked() []Observer {
	observers := make([]Observer, 0, len(d.observers))
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, d.observers[id])
	}
	return observers
}

func notify(observers []Observer, update Update, origin Origin) error {
	if len(observers) == 0 {
		return nil
	}
	payload, err := EncodeUpdate(update)
	if err != nil {
		return err
	}
	for _, observer := range observers {
		observer(payload, origin)
	}
	return nil
}
