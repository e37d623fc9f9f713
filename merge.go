package swapsync

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
)

// ============================================================================
// Records and Events
// ============================================================================

// Record is an entity the merger can reconcile.
type Record interface {
	// RecordID is the authoritative id, or the temporary id while provisional.
	RecordID() string
	// CorrelationID is the client generated key that links a provisional
	// record to its authoritative row. Empty when the record has none.
	CorrelationID() string
	IsProvisional() bool
	// Revision orders versions of the same record. Higher wins.
	Revision() int64
}

// tieRanker is implemented by records that order versions sharing a
// revision by meaning. Higher wins.
type tieRanker interface {
	TieRank() int
}

// EventKind is the kind of a row change.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is a row change applied to a Collection.
type Event[T Record] struct {
	Kind   EventKind
	Record T
}

// Outcome reports what Apply did.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeInserted
	OutcomeReplaced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplaced:
		return "replaced"
	default:
		return "ignored"
	}
}

// ============================================================================
// Collection
// ============================================================================

// Collection is a goroutine-safe list of records merged idempotently by id
// and correlation id. Items keep arrival order unless less is set.
type Collection[T Record] struct {
	mu    sync.RWMutex
	items []T
	less  func(a, b T) bool
}

// NewCollection creates an empty collection. less may be nil.
func NewCollection[T Record](less func(a, b T) bool) *Collection[T] {
	return &Collection[T]{less: less}
}

// supersedes reports whether incoming should replace existing.
func supersedes(incoming, existing Record) bool {
	switch {
	case existing.IsProvisional() && !incoming.IsProvisional():
		return true
	case !existing.IsProvisional() && incoming.IsProvisional():
		return false
	}
	if ri, re := incoming.Revision(), existing.Revision(); ri != re {
		return ri > re
	}
	if a, ok := incoming.(tieRanker); ok {
		if b, ok := existing.(tieRanker); ok && a.TieRank() != b.TieRank() {
			return a.TieRank() > b.TieRank()
		}
	}
	// Same revision and rank: the larger encoding wins, so the outcome does
	// not depend on arrival order. Identical content replaces.
	return bytes.Compare(contentKey(incoming), contentKey(existing)) >= 0
}

func contentKey(r Record) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// Apply merges a change. Inserts and updates both upsert: an update for an
// unknown id inserts it, an insert for a known id replaces it. Stale
// revisions and redelivered events are absorbed without error.
func (c *Collection[T]) Apply(ev Event[T]) Outcome {
	if ev.Kind != EventInsert && ev.Kind != EventUpdate {
		return OutcomeIgnored
	}
	rec := ev.Record

	c.mu.Lock()
	defer c.mu.Unlock()

	idIdx := c.indexByID(rec.RecordID())
	corrIdx := -1
	if cid := rec.CorrelationID(); cid != "" {
		corrIdx = c.indexByCorrelation(cid, idIdx)
	}

	if idIdx < 0 && corrIdx < 0 {
		c.items = append(c.items, rec)
		c.sortLocked()
		return OutcomeInserted
	}

	target := idIdx
	if target < 0 {
		target = corrIdx
	}

	if !supersedes(rec, c.items[target]) {
		// A newer authoritative row already holds the id; the provisional
		// twin found by correlation still has to go.
		if idIdx >= 0 && corrIdx >= 0 && c.items[corrIdx].IsProvisional() {
			c.removeLocked(corrIdx)
			return OutcomeReplaced
		}
		return OutcomeIgnored
	}

	c.items[target] = rec
	if idIdx >= 0 && corrIdx >= 0 {
		c.removeLocked(corrIdx)
	}
	c.sortLocked()
	return OutcomeReplaced
}

// ApplyAll applies the same kind to every record, e.g. for a list fetch.
func (c *Collection[T]) ApplyAll(kind EventKind, recs []T) (inserted int) {
	for _, r := range recs {
		if c.Apply(Event[T]{Kind: kind, Record: r}) == OutcomeInserted {
			inserted++
		}
	}
	return inserted
}

// Restore puts rec back regardless of revision. Used by rollbacks.
func (c *Collection[T]) Restore(rec T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexByID(rec.RecordID()); i >= 0 {
		c.items[i] = rec
	} else {
		c.items = append(c.items, rec)
	}
	c.sortLocked()
}

// Remove deletes the record with id and reports whether it existed.
func (c *Collection[T]) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexByID(id)
	if i < 0 {
		return false
	}
	c.removeLocked(i)
	return true
}

// Get returns the record with id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexByID(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Items returns a snapshot in display order.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.items...)
}

// Filter returns the records matching keep, in display order.
func (c *Collection[T]) Filter(keep func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for _, it := range c.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear drops every record.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

func (c *Collection[T]) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, it := range c.items {
		if it.RecordID() == id {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) indexByCorrelation(cid string, skip int) int {
	for i, it := range c.items {
		if i != skip && it.CorrelationID() == cid {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) removeLocked(i int) {
	c.items = append(c.items[:i], c.items[i+1:]...)
}

func (c *Collection[T]) sortLocked() {
	if c.less == nil {
		return
	}
	sort.SliceStable(c.items, func(i, j int) bool { return c.less(c.items[i], c.items[j]) })
}

// ============================================================================
// Orderings
// ============================================================================

func messagesByCreated(a, b *Message) bool { return a.CreatedAt.Before(b.CreatedAt) }

func conversationsByActivity(a, b *Conversation) bool {
	return a.LastActivityAt.After(b.LastActivityAt)
}

func notificationsNewestFirst(a, b *Notification) bool { return a.CreatedAt.After(b.CreatedAt) }
