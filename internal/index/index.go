package index

import "github.com/sdp-gateway/connguard/internal/flow"

// Table maps an identity to its flow.List.
//
// Go's builtin map forbids inserting during a range but permits
// deleting the current key; a callback that wants to delete arbitrary
// other keys (not just its own) needs more than that guarantee. Range
// snapshots the full key set up front and consults the table for each
// key's continued existence before invoking the callback, making
// arbitrary deletion during traversal safe without a cursor.
type Table struct {
	m map[uint32]flow.List
}

// New returns an empty Table. sizeHint, when positive, is forwarded to
// the builtin map as an initial-capacity hint; it corresponds to the
// ACC_STANZA_HASH_TABLE_LENGTH configuration key.
func New(sizeHint int) *Table {
	if sizeHint > 0 {
		return &Table{m: make(map[uint32]flow.List, sizeHint)}
	}
	return &Table{m: make(map[uint32]flow.List)}
}

// Get returns the List for identity, and whether one was present.
func (t *Table) Get(identity uint32) (flow.List, bool) {
	l, ok := t.m[identity]
	return l, ok
}

// Set installs l under identity, taking ownership of it. Any prior
// entry for identity is discarded (overwritten) without further
// action, as flow.List values own no external resources.
func (t *Table) Set(identity uint32, l flow.List) {
	t.m[identity] = l
}

// Delete removes identity's entry, if any.
func (t *Table) Delete(identity uint32) {
	delete(t.m, identity)
}

// Len reports the number of identities currently indexed.
func (t *Table) Len() int {
	return len(t.m)
}

// Callback is invoked once per identity present in a Table at the
// start of Range. It may delete the identity currently being visited,
// or any other identity, from the Table it was handed.
type Callback func(identity uint32, l flow.List)

// Range invokes fn once for every identity present in t at the moment
// Range is called. Identities deleted by fn (its own, or another
// identity not yet visited) are skipped when their turn comes; this
// makes Range delete-safe without requiring fn to avoid mutating t.
func (t *Table) Range(fn Callback) {
	keys := make([]uint32, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}

	for _, k := range keys {
		l, ok := t.m[k]
		if !ok {
			continue
		}
		fn(k, l)
	}
}
