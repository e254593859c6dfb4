// Package tracker bundles the connection tracking core's process-wide
// state — the two identity indices, the outbound queue, the ID
// allocator and the report-due clock — into one owned value, with
// Update/Validate/MaybeReport as its three tick entry points.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/flow"
	"github.com/sdp-gateway/connguard/internal/idalloc"
	"github.com/sdp-gateway/connguard/internal/index"
	"github.com/sdp-gateway/connguard/internal/metrics"
	"github.com/sdp-gateway/connguard/internal/policy"
	"github.com/sdp-gateway/connguard/internal/probe"
	"github.com/sdp-gateway/connguard/internal/reconcile"
	"github.com/sdp-gateway/connguard/internal/report"
)

// countingOutbox wraps a Reporter and runs onEnqueue for every record
// passed through it, so the reconciler and validator ticks can tally
// distinct counters (opened/closed vs. evicted) against the same
// Outbox seam without either package knowing Metrics exists.
type countingOutbox struct {
	*report.Reporter
	onEnqueue func(flow.Record)
}

func (o countingOutbox) Enqueue(r flow.Record) {
	o.onEnqueue(r)
	o.Reporter.Enqueue(r)
}

func (o countingOutbox) EnqueueAll(l flow.List) {
	for _, r := range l {
		o.onEnqueue(r)
	}
	o.Reporter.EnqueueAll(l)
}

// ConnectionTracker owns the known and latest identity indices, the
// outbound queue (via Reporter), and the ID allocator.
//
// ConnectionTracker is constructed once at daemon start and closed at
// daemon stop. Its three tick methods are not meant to be called
// concurrently with each other or with themselves; the mutex below is
// a defensive belt against a misbehaving caller, not a requirement of
// the single-threaded algorithm itself.
type ConnectionTracker struct {
	mu sync.Mutex

	known  *index.Table
	latest *index.Table

	alloc      *idalloc.Allocator
	prober     *probe.Prober
	reconciler *reconcile.Reconciler
	validator  *policy.Validator
	reporter   *report.Reporter

	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// New constructs a ConnectionTracker. hashTableLength sizes both
// identity indices (ACC_STANZA_HASH_TABLE_LENGTH). Callers must call
// Load to recover the persisted connection-id counter before the
// first tick.
func New(
	hashTableLength int,
	alloc *idalloc.Allocator,
	prober *probe.Prober,
	validator *policy.Validator,
	reporter *report.Reporter,
	log *zap.SugaredLogger,
) *ConnectionTracker {
	return &ConnectionTracker{
		known:      index.New(hashTableLength),
		latest:     index.New(hashTableLength),
		alloc:      alloc,
		prober:     prober,
		reconciler: reconcile.New(alloc, log),
		validator:  validator,
		reporter:   reporter,
		log:        log,
	}
}

// WithMetrics attaches prometheus counters/gauges updated on every
// tick. Optional: a ConnectionTracker with no metrics attached still
// runs the full tick loop, just without publishing them.
func (t *ConnectionTracker) WithMetrics(m *metrics.Metrics) *ConnectionTracker {
	t.metrics = m
	return t
}

// Load recovers the persisted connection-id counter. Call once, at
// daemon start, before the first tick.
func (t *ConnectionTracker) Load() error {
	return t.alloc.Load()
}

// Close persists the connection-id counter. Call once, at daemon
// stop, including along a fatal-init-failure exit path.
func (t *ConnectionTracker) Close() error {
	return t.alloc.Store()
}

// Update runs one probe + reconciliation cycle: it populates the
// latest index from the conntrack driver, then reconciles it against
// the known index. A probe/driver failure aborts the tick with the
// known index left unchanged.
func (t *ConnectionTracker) Update(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	observed, _, err := t.prober.Probe(ctx, nil)
	if err != nil {
		return fmt.Errorf("tracker: probe: %w", err)
	}

	byIdentity := make(map[uint32]flow.List)
	for _, rec := range observed {
		byIdentity[rec.Identity] = byIdentity[rec.Identity].Append(rec)
	}
	for identity, l := range byIdentity {
		t.latest.Set(identity, l)
	}

	out := countingOutbox{Reporter: t.reporter, onEnqueue: func(r flow.Record) {
		if t.metrics == nil {
			return
		}
		if r.Open() {
			t.metrics.FlowsOpened.Inc()
		} else {
			t.metrics.FlowsClosed.Inc()
		}
	}}
	t.reconciler.Run(t.known, t.latest, out)
	t.publishGauges()
	return nil
}

// Validate sweeps the known index against the policy table, evicting
// any flow (or whole identity) that no longer satisfies authorization.
func (t *ConnectionTracker) Validate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := countingOutbox{Reporter: t.reporter, onEnqueue: func(flow.Record) {
		if t.metrics != nil {
			t.metrics.FlowsEvicted.Inc()
		}
	}}
	err := t.validator.Run(ctx, t.known, out)
	t.publishGauges()
	return err
}

// MaybeReport drains the outbound queue to the controller if due.
func (t *ConnectionTracker) MaybeReport(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.reporter.MaybeReport(ctx)
	t.publishGauges()
	return err
}

// publishGauges refreshes the point-in-time gauges. Must be called
// with mu held.
func (t *ConnectionTracker) publishGauges() {
	if t.metrics == nil {
		return
	}
	t.metrics.KnownFlows.Set(float64(t.known.Len()))
	t.metrics.QueueDepth.Set(float64(t.reporter.QueueLen()))
}

// KnownLen reports how many identities are currently tracked.
func (t *ConnectionTracker) KnownLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.known.Len()
}

// DumpKnown logs every tracked flow at debug level. A debug
// introspection aid, not one of the tick operations.
func (t *ConnectionTracker) DumpKnown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.known.Range(func(identity uint32, l flow.List) {
		l.LogFields(t.log)
	})
}
