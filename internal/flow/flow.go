package flow

import "time"

// Record describes one tracked connection between an authorized
// identity's client and a permitted destination.
//
// A Record is immutable after construction: ConnectionID is assigned
// once, by the ID allocator, when the flow is first admitted to the
// known index, and is never mutated afterward. Apart from that one
// assignment, EndTime is the only field set post-construction, via
// Closed.
type Record struct {
	ConnectionID uint64
	Identity     uint32
	SrcIP        string
	DstIP        string
	SrcPort      uint16
	DstPort      uint16
	StartTime    time.Time
	EndTime      time.Time
}

// Key is the structural equality key used by the reconciler's diff:
// identity plus both endpoints. ConnectionID and timestamps are
// deliberately excluded, per the reconciliation semantics in §4.1.
type Key struct {
	Identity uint32
	SrcIP    string
	SrcPort  uint16
	DstIP    string
	DstPort  uint16
}

// KeyOf returns r's structural equality key.
func KeyOf(r Record) Key {
	return Key{
		Identity: r.Identity,
		SrcIP:    r.SrcIP,
		SrcPort:  r.SrcPort,
		DstIP:    r.DstIP,
		DstPort:  r.DstPort,
	}
}

// Equal reports whether a and b share the same structural key, i.e.
// they describe the same five-tuple regardless of ConnectionID or
// timestamps.
func Equal(a, b Record) bool {
	return KeyOf(a) == KeyOf(b)
}

// Open is live iff it has no EndTime.
func (r Record) Open() bool {
	return r.EndTime.IsZero()
}

// Closed returns a copy of r stamped with end as its EndTime. The
// receiver is left untouched; callers hold exactly one live copy of a
// flow at a time, so the returned value is what moves on to the
// outbound queue.
func (r Record) Closed(end time.Time) Record {
	r.EndTime = end
	return r
}
