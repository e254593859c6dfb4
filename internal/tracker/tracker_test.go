package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/flow"
	"github.com/sdp-gateway/connguard/internal/idalloc"
	"github.com/sdp-gateway/connguard/internal/metrics"
	"github.com/sdp-gateway/connguard/internal/policy"
	"github.com/sdp-gateway/connguard/internal/probe"
	"github.com/sdp-gateway/connguard/internal/report"
)

// scriptedProbeCLI is a driver.CLI returning one canned response per
// call, repeating the last once exhausted.
type scriptedProbeCLI struct {
	outputs [][]byte
	n       int
}

func (s *scriptedProbeCLI) Exec(_ context.Context, args ...string) ([]byte, error) {
	i := s.n
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	s.n++
	return s.outputs[i], nil
}

// noopCloser never fails a close, so validation tests exercise
// eviction bookkeeping without needing a working conntrack backend.
type noopCloser struct{}

func (noopCloser) CloseIdentity(context.Context, uint32) error  { return nil }
func (noopCloser) CloseFlow(context.Context, flow.Record) error { return nil }

type noopTransport struct{ sent int }

func (n *noopTransport) Send(context.Context, string, []byte) error { n.sent++; return nil }

func newTestTracker(t *testing.T, cli *scriptedProbeCLI) (*ConnectionTracker, *noopTransport) {
	t.Helper()
	log := zap.NewNop().Sugar()

	alloc := idalloc.New(filepath.Join(t.TempDir(), "conn_id"), log)
	require.NoError(t, alloc.Load())

	prober := probe.New(cli, log)

	tbl := policy.NewMemoryTable([]policy.Record{{Identity: 42, OpenPorts: "22,80"}})
	validator := policy.New(tbl, noopCloser{}, log)

	transport := &noopTransport{}
	reporter, err := report.NewReporter(transport, time.Second, log)
	require.NoError(t, err)

	tr := New(64, alloc, prober, validator, reporter, log)
	return tr, transport
}

func TestUpdateThenValidateThenMaybeReport(t *testing.T) {
	cli := &scriptedProbeCLI{outputs: [][]byte{
		[]byte("header\ntcp src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=22 mark=42 use=1\n"),
	}}
	tr, transport := newTestTracker(t, cli)

	require.NoError(t, tr.Update(context.Background()))
	require.Equal(t, 1, tr.KnownLen())

	require.NoError(t, tr.Validate(context.Background()))
	require.Equal(t, 1, tr.KnownLen(), "port 22 is permitted, flow should survive validation")

	require.NoError(t, tr.MaybeReport(context.Background()))
	require.Equal(t, 1, transport.sent)
}

func TestValidateEvictsFlowNoLongerPermitted(t *testing.T) {
	cli := &scriptedProbeCLI{outputs: [][]byte{
		[]byte("header\ntcp src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=9999 mark=42 use=1\n"),
	}}
	tr, _ := newTestTracker(t, cli)

	require.NoError(t, tr.Update(context.Background()))
	require.Equal(t, 1, tr.KnownLen())

	require.NoError(t, tr.Validate(context.Background()))
	require.Zero(t, tr.KnownLen(), "port 9999 is not permitted, identity should be fully evicted")
}

func TestIdempotentSecondUpdateReportsNothingNew(t *testing.T) {
	line := []byte("header\ntcp src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=22 mark=42 use=1\n")
	cli := &scriptedProbeCLI{outputs: [][]byte{line, line}}
	tr, _ := newTestTracker(t, cli)

	require.NoError(t, tr.Update(context.Background()))
	firstQueueLen := tr.reporter.QueueLen()
	require.Equal(t, 1, firstQueueLen)

	// Drain the queue as MaybeReport would, then tick again with the
	// identical probe output.
	tr.reporter.MaybeReport(context.Background())
	require.NoError(t, tr.Update(context.Background()))
	require.Zero(t, tr.reporter.QueueLen())
}

func TestMetricsCountOpenedAndEvicted(t *testing.T) {
	cli := &scriptedProbeCLI{outputs: [][]byte{
		[]byte("header\ntcp src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=9999 mark=42 use=1\n"),
	}}
	tr, _ := newTestTracker(t, cli)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tr.WithMetrics(m)

	require.NoError(t, tr.Update(context.Background()))
	require.InDelta(t, 1, testutil.ToFloat64(m.FlowsOpened), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.KnownFlows), 0)

	require.NoError(t, tr.Validate(context.Background()))
	require.InDelta(t, 1, testutil.ToFloat64(m.FlowsEvicted), 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.KnownFlows), 0)
}
