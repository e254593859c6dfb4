package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/flow"
	"github.com/sdp-gateway/connguard/internal/index"
)

// Allocator is the subset of idalloc.Allocator the reconciler needs.
type Allocator interface {
	Allocate() uint64
}

// Outbox receives classified lifecycle events in queue order: closed
// events for an identity before opened events for the same identity,
// preserving each source list's insertion order within a category.
type Outbox interface {
	Enqueue(flow.Record)
	EnqueueAll(flow.List)
}

// Reconciler diffs a freshly probed snapshot against the known index,
// classifying every flow as closed, still-open, or newly-opened, and
// consumes the snapshot index in the process.
type Reconciler struct {
	Alloc Allocator
	Now   func() time.Time
	Log   *zap.SugaredLogger
}

// New returns a Reconciler allocating IDs from alloc.
func New(alloc Allocator, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{Alloc: alloc, Now: time.Now, Log: log}
}

// Run diffs known against latest in three phases — closed/still-open
// flows for identities already in known, newly-opened identities found
// only in latest, then nothing further — appending classified events
// to out. latest is guaranteed empty on return.
func (r *Reconciler) Run(known, latest *index.Table, out Outbox) {
	now := r.Now
	if now == nil {
		now = time.Now
	}

	// Phase A: per-identity diff against every identity already in
	// known.
	known.Range(func(identity uint32, k flow.List) {
		l, ok := latest.Get(identity)
		if !ok {
			// The whole known list for this identity vanished from
			// the new probe snapshot: every flow closed.
			closedAt := now()
			closed := make(flow.List, len(k))
			for i, rec := range k {
				closed[i] = rec.Closed(closedAt)
			}
			out.EnqueueAll(closed)
			known.Delete(identity)
			return
		}

		// Work on an independent copy so removing identity from
		// latest below cannot disturb our working set.
		remaining := l.Clone()
		latest.Delete(identity)

		updatedK := make(flow.List, 0, len(k))
		var closedEvents flow.List

		for _, existing := range k {
			idx := remaining.IndexOf(existing)
			if idx >= 0 {
				// Still running: keep the known record (with its
				// existing connection_id), drop the matched probe
				// observation.
				remaining = remaining.Remove(idx)
				updatedK = append(updatedK, existing)
				continue
			}

			closedEvents = append(closedEvents, existing.Closed(now()))
		}

		// Anything left in remaining after the scan is newly-opened
		// for this identity.
		var openedEvents flow.List
		for _, rec := range remaining {
			rec.ConnectionID = r.Alloc.Allocate()
			updatedK = append(updatedK, rec)
			openedEvents = append(openedEvents, rec)
		}

		out.EnqueueAll(closedEvents)
		out.EnqueueAll(openedEvents)

		if len(updatedK) == 0 {
			known.Delete(identity)
		} else {
			known.Set(identity, updatedK)
		}
	})

	// Phase B: promote identities present only in latest (no prior
	// known entry).
	latest.Range(func(identity uint32, l flow.List) {
		promoted := l.Clone()
		for i := range promoted {
			promoted[i].ConnectionID = r.Alloc.Allocate()
		}

		known.Set(identity, promoted)
		out.EnqueueAll(promoted.Clone())
		latest.Delete(identity)
	})

	// Phase C: latest must be empty now; nothing further to do.
}
