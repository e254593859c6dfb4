package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/flow"
)

// Transport is a fire-and-forget delivery channel to the control
// plane. messageType labels the whole payload (e.g. "connection_update")
// the way the control-plane protocol expects, separately from the
// per-record fields the payload itself carries. Send should return a
// non-nil error on any failure to hand off payload; Reporter retries
// transient failures with backoff before surfacing an error to the
// tick loop.
type Transport interface {
	Send(ctx context.Context, messageType string, payload []byte) error
}

// event is the wire shape of one outbound lifecycle event.
type event struct {
	ConnectionID    uint64 `json:"connection_id"`
	SDPID           uint32 `json:"sdp_id"`
	SourceIP        string `json:"source_ip"`
	SourcePort      uint16 `json:"source_port"`
	DestinationIP   string `json:"destination_ip"`
	DestinationPort uint16 `json:"destination_port"`
	StartTimestamp  int64  `json:"start_timestamp"`
	EndTimestamp    int64  `json:"end_timestamp"`
}

// messageType is the control-plane message type string for every
// report this core sends; it labels the envelope, not each array
// element.
const messageType = "connection_update"

func toEvent(r flow.Record) event {
	var end int64
	if !r.Open() {
		end = r.EndTime.Unix()
	}
	return event{
		ConnectionID:    r.ConnectionID,
		SDPID:           r.Identity,
		SourceIP:        r.SrcIP,
		SourcePort:      r.SrcPort,
		DestinationIP:   r.DstIP,
		DestinationPort: r.DstPort,
		StartTimestamp:  r.StartTime.Unix(),
		EndTimestamp:    end,
	}
}

// Reporter drains flow.List queue entries to Transport on a
// configured interval. maybe_report (MaybeReport) is cheap and
// idempotent when called before it is due.
type Reporter struct {
	Transport Transport
	Interval  time.Duration
	Now       func() time.Time
	Log       *zap.SugaredLogger

	// RetryAttempts bounds how many times Send is retried on failure
	// before the tick surfaces the error upward. Zero means "use the
	// package default" (3).
	RetryAttempts uint

	queue   flow.List
	nextDue time.Time
}

// NewReporter returns a Reporter delivering via transport every
// interval. interval must be at least one second and must fit in a
// 32-bit signed integer of seconds (the CONN_REPORT_INTERVAL
// constraint); violating either is a configuration error.
func NewReporter(transport Transport, interval time.Duration, log *zap.SugaredLogger) (*Reporter, error) {
	if interval < time.Second {
		return nil, errors.New("report: interval must be at least 1 second")
	}
	if interval.Seconds() > float64(1<<31-1) {
		return nil, errors.New("report: interval overflows a 32-bit second count")
	}

	return &Reporter{
		Transport: transport,
		Interval:  interval,
		Now:       time.Now,
		Log:       log,
	}, nil
}

// Enqueue appends rec to the outbound queue.
func (r *Reporter) Enqueue(rec flow.Record) {
	r.queue = r.queue.Append(rec)
}

// EnqueueAll appends every Record in l to the outbound queue, in
// order.
func (r *Reporter) EnqueueAll(l flow.List) {
	for _, rec := range l {
		r.Enqueue(rec)
	}
}

// QueueLen reports how many events are currently pending delivery.
func (r *Reporter) QueueLen() int {
	return len(r.queue)
}

// MaybeReport delivers the outbound queue if it is both non-empty and
// due. If the interval arithmetic that computed the due time
// previously overflowed, NewReporter would already have rejected it;
// MaybeReport itself only compares against the wall clock and bails
// early otherwise.
func (r *Reporter) MaybeReport(ctx context.Context) error {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	current := now()

	if current.Before(r.nextDue) {
		return nil
	}
	if len(r.queue) == 0 {
		r.nextDue = current.Add(r.Interval)
		return nil
	}

	payload, err := r.marshal()
	if err != nil {
		return fmt.Errorf("report: marshal outbound queue: %w", err)
	}

	attempts := r.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}

	err = retry.Do(
		func() error { return r.Transport.Send(ctx, messageType, payload) },
		retry.Attempts(attempts),
		retry.Context(ctx),
	)
	if err != nil {
		if r.Log != nil {
			r.Log.Errorw("failed to deliver connection report", "error", err, "events", len(r.queue))
		}
		return fmt.Errorf("report: send: %w", err)
	}

	r.queue = nil
	r.nextDue = current.Add(r.Interval)
	return nil
}

func (r *Reporter) marshal() ([]byte, error) {
	events := make([]event, 0, len(r.queue))
	for _, rec := range r.queue {
		events = append(events, toEvent(rec))
	}
	return json.Marshal(events)
}
