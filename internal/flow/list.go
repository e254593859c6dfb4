package flow

import (
	"fmt"

	"go.uber.org/zap"
)

// List is an ordered, value-typed sequence of Records sharing one
// identity. Order is insertion order; it carries no semantic meaning
// of its own, but must stay stable during a reconciliation cycle so
// that diff results are deterministic.
//
// A value slice keeps ownership simple: moving a flow between
// containers (known index, latest index, outbound queue) is a value
// copy plus a truncation, with no shared node that two containers
// could each think they own.
type List []Record

// Append returns a new List with r appended.
func (l List) Append(r Record) List {
	return append(l, r)
}

// Remove returns a new List with the element at index i excised,
// preserving the order of the remaining elements.
func (l List) Remove(i int) List {
	out := make(List, 0, len(l)-1)
	out = append(out, l[:i]...)
	out = append(out, l[i+1:]...)
	return out
}

// IndexOf returns the index of the first element structurally equal
// (per Equal) to key, or -1 if none matches.
func (l List) IndexOf(key Record) int {
	for i, r := range l {
		if Equal(r, key) {
			return i
		}
	}
	return -1
}

// Clone returns an independent copy of l. Used whenever the same flow
// data must live in two containers at once — notably, promoting a
// flow from the latest index to the known index also copies it onto
// the outbound queue as an "opened" event.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// LogFields emits one structured log line per Record in l, at debug
// level, for introspecting what a given identity currently has open.
func (l List) LogFields(log *zap.SugaredLogger) {
	for _, r := range l {
		end := "open"
		if !r.Open() {
			end = fmt.Sprintf("%d", r.EndTime.Unix())
		}
		log.Debugw("connection",
			"connection_id", r.ConnectionID,
			"sdp_id", r.Identity,
			"src", fmt.Sprintf("%s:%d", r.SrcIP, r.SrcPort),
			"dst", fmt.Sprintf("%s:%d", r.DstIP, r.DstPort),
			"start", r.StartTime.Unix(),
			"end", end,
		)
	}
}
