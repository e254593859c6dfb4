package policy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/flow"
	"github.com/sdp-gateway/connguard/internal/index"
)

// Closer issues conntrack deletions for an identity or a five-tuple.
type Closer interface {
	CloseIdentity(ctx context.Context, identity uint32) error
	CloseFlow(ctx context.Context, r flow.Record) error
}

// Outbox receives evicted flows, stamped with EndTime.
type Outbox interface {
	Enqueue(flow.Record)
	EnqueueAll(flow.List)
}

// Validator sweeps the known index against the policy table, evicting
// (and instructing the firewall to close) any flow whose identity has
// been deauthorized or whose destination port is no longer permitted.
type Validator struct {
	Policy Table
	Closer Closer
	Now    func() time.Time
	Log    *zap.SugaredLogger
}

// New returns a Validator enforcing policy via closer.
func New(policy Table, closer Closer, log *zap.SugaredLogger) *Validator {
	return &Validator{Policy: policy, Closer: closer, Now: time.Now, Log: log}
}

// Run walks every identity in known, deauthorizing it wholesale if
// the policy table no longer recognizes it, otherwise evicting any
// individual flow whose destination port fell out of the permitted
// set.
func (v *Validator) Run(ctx context.Context, known *index.Table, out Outbox) error {
	now := v.Now
	if now == nil {
		now = time.Now
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	known.Range(func(identity uint32, l flow.List) {
		rec, ok := v.Policy.Lookup(identity)
		if !ok {
			if err := v.Closer.CloseIdentity(ctx, identity); err != nil {
				record(fmt.Errorf("policy: close identity %d: %w", identity, err))
				if v.Log != nil {
					v.Log.Errorw("failed to close deauthorized identity", "identity", identity, "error", err)
				}
				return
			}

			closedAt := now()
			closed := make(flow.List, len(l))
			for i, f := range l {
				closed[i] = f.Closed(closedAt)
			}
			out.EnqueueAll(closed)
			known.Delete(identity)
			return
		}

		remaining := make(flow.List, 0, len(l))
		for _, f := range l {
			if PortPermitted(rec, f.DstPort) {
				remaining = append(remaining, f)
				continue
			}

			if err := v.Closer.CloseFlow(ctx, f); err != nil {
				record(fmt.Errorf("policy: close flow for identity %d: %w", identity, err))
				if v.Log != nil {
					v.Log.Errorw("failed to close policy-violating flow", "identity", identity, "dst_port", f.DstPort, "error", err)
				}
				remaining = append(remaining, f)
				continue
			}

			out.Enqueue(f.Closed(now()))
		}

		if len(remaining) == 0 {
			known.Delete(identity)
		} else {
			known.Set(identity, remaining)
		}
	})

	return firstErr
}
