package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/driver"
)

// fakeCLI is a scripted driver.CLI used to avoid forking a real
// conntrack binary in tests.
type fakeCLI struct {
	out []byte
	err error

	gotArgs [][]string
}

func (f *fakeCLI) Exec(_ context.Context, args ...string) ([]byte, error) {
	f.gotArgs = append(f.gotArgs, append([]string(nil), args...))
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestProbeHeaderOnlyOutputIsEmpty(t *testing.T) {
	cli := &fakeCLI{out: []byte("conntrack v1.4 (conntrack-tools)\n")}
	p := &Prober{CLI: cli, Now: fixedNow(time.Unix(0, 0)), Log: zap.NewNop().Sugar()}

	list, n, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, list)
}

func TestProbeParsesMarkedLine(t *testing.T) {
	out := "header\n" +
		"tcp 6 431999 ESTABLISHED src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=22 mark=42 use=1\n"
	cli := &fakeCLI{out: []byte(out)}
	now := time.Unix(1000, 0)
	p := &Prober{CLI: cli, Now: fixedNow(now), Log: zap.NewNop().Sugar()}

	list, n, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint32(42), list[0].Identity)
	require.Equal(t, "10.0.0.1", list[0].SrcIP)
	require.Equal(t, "10.0.0.2", list[0].DstIP)
	require.EqualValues(t, 5000, list[0].SrcPort)
	require.EqualValues(t, 22, list[0].DstPort)
	require.True(t, list[0].StartTime.Equal(now))
}

func TestProbeSkipsZeroMark(t *testing.T) {
	out := "header\n" +
		"tcp 6 431999 ESTABLISHED src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=22 mark=0 use=1\n"
	cli := &fakeCLI{out: []byte(out)}
	p := &Prober{CLI: cli, Now: fixedNow(time.Unix(0, 0)), Log: zap.NewNop().Sugar()}

	list, n, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, list)
}

func TestProbeSkipsMalformedMarkedLineButSucceedsOverall(t *testing.T) {
	out := "header\n" +
		"tcp 6 431999 ESTABLISHED src=10.0.0.1 dst=10.0.0.2 dport=22 mark=42 use=1\n" + // missing sport
		"tcp 6 431999 ESTABLISHED src=10.0.0.3 dst=10.0.0.4 sport=1 dport=2 mark=7 use=1\n"
	cli := &fakeCLI{out: []byte(out)}
	p := &Prober{CLI: cli, Now: fixedNow(time.Unix(0, 0)), Log: zap.NewNop().Sugar()}

	list, n, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint32(7), list[0].Identity)
}

func TestProbeSurfacesDriverError(t *testing.T) {
	cli := &fakeCLI{err: &driver.Error{Out: []byte("boom"), Err: context.DeadlineExceeded}}
	p := &Prober{CLI: cli, Now: fixedNow(time.Unix(0, 0)), Log: zap.NewNop().Sugar()}

	_, _, err := p.Probe(context.Background(), nil)
	require.Error(t, err)
}

func TestCloseVerifiesZeroSurvivors(t *testing.T) {
	cli := &fakeCLI{out: []byte("header\n")}
	p := &Prober{CLI: cli, Now: fixedNow(time.Unix(0, 0)), Log: zap.NewNop().Sugar()}

	require.NoError(t, p.Close(context.Background(), []string{"-m", "42"}))
	require.Equal(t, []string{"-D", "-m", "42"}, cli.gotArgs[0])
	require.Equal(t, []string{"-L", "-m", "42"}, cli.gotArgs[1])
}

func TestCloseEscalatesWhenSurvivorsRemain(t *testing.T) {
	out := "header\n" +
		"tcp 6 431999 ESTABLISHED src=10.0.0.1 dst=10.0.0.2 sport=5000 dport=22 mark=42 use=1\n"
	cli := &fakeCLI{out: []byte(out)}
	p := &Prober{CLI: cli, Now: fixedNow(time.Unix(0, 0)), Log: zap.NewNop().Sugar()}

	err := p.Close(context.Background(), []string{"-m", "42"})
	require.Error(t, err)
}
