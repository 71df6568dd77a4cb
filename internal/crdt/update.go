package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

var (
	// ErrInvalidUpdate indicates that an encoded delta could not be decoded or validated.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrOutOfRange indicates that a local edit addressed a position outside the visible text.
	ErrOutOfRange = errors.New("crdt: position out of range")
	// ErrDestroyed indicates that the document has been released.
	ErrDestroyed = errors.New("crdt: document destroyed")
)

// ItemID uniquely identifies one inserted rune across all replicas.
type ItemID struct {
	Client string `json:"c"`
	Clock  uint64 `json:"k"`
}

// IsZero reports whether the identifier is the document root.
func (id ItemID) IsZero() bool {
	return id.Client == "" && id.Clock == 0
}

// precedes orders siblings sharing an origin: newer clocks sit closer to the origin.
func (id ItemID) precedes(other ItemID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

func (id ItemID) sortsBefore(other ItemID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Clock < other.Clock
}

// Item is a single inserted rune anchored after its origin.
type Item struct {
	ID     ItemID `json:"id"`
	Origin ItemID `json:"o"`
	Value  string `json:"v"`
}

// Update is the wire form of a delta: inserted items plus tombstoned identifiers.
type Update struct {
	Items   []Item   `json:"items,omitempty"`
	Deletes []ItemID `json:"deletes,omitempty"`
}

// Empty reports whether the update carries no changes.
func (u Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// DecodeUpdate parses and validates an encoded delta.
func DecodeUpdate(payload []byte) (Update, error) {
	if len(payload) == 0 {
		return Update{}, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for _, item := range update.Items {
		if item.ID.IsZero() || item.ID.Client == "" {
			return Update{}, fmt.Errorf("%w: item without identifier", ErrInvalidUpdate)
		}
		if utf8.RuneCountInString(item.Value) != 1 {
			return Update{}, fmt.Errorf("%w: item %s/%d must hold one rune", ErrInvalidUpdate, item.ID.Client, item.ID.Clock)
		}
	}
	for _, id := range update.Deletes {
		if id.IsZero() {
			return Update{}, fmt.Errorf("%w: delete of root", ErrInvalidUpdate)
		}
	}
	return update, nil
}

// EncodeUpdate serialises an update with items and deletes in canonical order.
func EncodeUpdate(update Update) ([]byte, error) {
	canonical := Update{
		Items:   append([]Item(nil), update.Items...),
		Deletes: append([]ItemID(nil), update.Deletes...),
	}
	sort.Slice(canonical.Items, func(i, j int) bool {
		return canonical.Items[i].ID.sortsBefore(canonical.Items[j].ID)
	})
	sort.Slice(canonical.Deletes, func(i, j int) bool {
		return canonical.Deletes[i].sortsBefore(canonical.Deletes[j])
	})
	return json.Marshal(canonical)
}

// MergeUpdates folds several encoded deltas into one. Duplicate items and
// deletes collapse, so the result applies exactly like applying every input.
func MergeUpdates(payloads ...[]byte) ([]byte, error) {
	items := make(map[ItemID]Item)
	deletes := make(map[ItemID]struct{})
	for _, payload := range payloads {
		update, err := DecodeUpdate(payload)
		if err != nil {
			return nil, err
		}
		for _, item := range update.Items {
			items[item.ID] = item
		}
		for _, id := range update.Deletes {
			deletes[id] = struct{}{}
		}
	}
	merged := Update{
		Items:   make([]Item, 0, len(items)),
		Deletes: make([]ItemID, 0, len(deletes)),
	}
	for _, item := range items {
		merged.Items = append(merged.Items, item)
	}
	for id := range deletes {
		merged.Deletes = append(merged.Deletes, id)
	}
	return EncodeUpdate(merged)
}
