package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdp-gateway/connguard/internal/flow"
)

type scriptedCLI struct {
	responses [][]byte
	errs      []error
	calls     [][]string
}

func (s *scriptedCLI) Exec(_ context.Context, args ...string) ([]byte, error) {
	i := len(s.calls)
	s.calls = append(s.calls, append([]string(nil), args...))
	var out []byte
	var err error
	if i < len(s.responses) {
		out = s.responses[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return out, err
}

func TestCloseIdentityUsesPerIdentityFilter(t *testing.T) {
	cli := &scriptedCLI{responses: [][]byte{nil, []byte("header\n")}}
	c := NewFirewallCloser(cli)

	require.NoError(t, c.CloseIdentity(context.Background(), 42))
	require.Equal(t, []string{"-D", "-m", "42"}, cli.calls[0])
	require.Equal(t, []string{"-L", "-m", "42"}, cli.calls[1])
}

func TestCloseFlowUsesFiveTupleFilter(t *testing.T) {
	cli := &scriptedCLI{responses: [][]byte{nil, []byte("header\n")}}
	c := NewFirewallCloser(cli)

	rec := flow.Record{Identity: 42, SrcIP: "10.0.0.1", SrcPort: 5000, DstIP: "10.0.0.2", DstPort: 22}
	require.NoError(t, c.CloseFlow(context.Background(), rec))
	require.Equal(t, []string{
		"-L", "-m", "42", "-s", "10.0.0.1", "--sport", "5000", "-d", "10.0.0.2", "--dport", "22",
	}, cli.calls[1])
}

func TestCloseEscalatesWhenVerificationStillShowsFlows(t *testing.T) {
	cli := &scriptedCLI{responses: [][]byte{
		nil,
		[]byte("header\ntcp src=10.0.0.1 dst=10.0.0.2 sport=1 dport=2 mark=42\n"),
	}}
	c := NewFirewallCloser(cli)

	err := c.CloseIdentity(context.Background(), 42)
	require.Error(t, err)
}
