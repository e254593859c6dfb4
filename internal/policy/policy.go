package policy

import (
	"strconv"
	"strings"
)

// Record is one identity's authorization entry.
type Record struct {
	Identity uint32
	// OpenPorts is a free-form textual field, e.g. "22,80,443" or
	// "8080-8090", as carried over from the original access-stanza
	// format. Permission is decided by substring search against the
	// decimal port number — see PortPermitted — which is a known
	// compatibility shim, not a parsed port set.
	OpenPorts string
}

// PortSet is a clean, typed alternative exposed for callers that want
// unambiguous port membership (e.g. a future policy editor); it plays
// no part in enforcement today.
type PortSet map[uint16]bool

// Table is the access policy collaborator: a mapping from identity to
// its Record.
type Table interface {
	Lookup(identity uint32) (Record, bool)
}

// PortPermitted reports whether port is permitted under rec: the
// decimal representation of port is searched for anywhere within
// rec.OpenPorts.
//
// This intentionally matches "80" inside "8080" and "443" inside
// "4430" — a known false-positive quirk preserved rather than fixed,
// since fixing it would change policy enforcement semantics for
// existing deployments.
func PortPermitted(rec Record, port uint16) bool {
	needle := strconv.FormatUint(uint64(port), 10)
	return strings.Contains(rec.OpenPorts, needle)
}
