package driver

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/sdp-gateway/connguard/internal/flow"
)

// FirewallCloser implements policy.Closer against a CLI, issuing
// 'conntrack -D <filter>' followed by a verifying '-L <filter>'.
type FirewallCloser struct {
	CLI CLI
}

// NewFirewallCloser returns a FirewallCloser backed by cli.
func NewFirewallCloser(cli CLI) *FirewallCloser {
	return &FirewallCloser{CLI: cli}
}

// CloseIdentity closes every flow for identity using the per-identity
// filter format "-m <identity>".
func (c *FirewallCloser) CloseIdentity(ctx context.Context, identity uint32) error {
	filter := []string{"-m", strconv.FormatUint(uint64(identity), 10)}
	return c.close(ctx, filter)
}

// CloseFlow closes a single flow using the five-tuple
// CONNMARK_SEARCH_ARGS format: identity mark plus source/destination
// address and port.
func (c *FirewallCloser) CloseFlow(ctx context.Context, r flow.Record) error {
	filter := []string{
		"-m", strconv.FormatUint(uint64(r.Identity), 10),
		"-s", r.SrcIP,
		"--sport", strconv.FormatUint(uint64(r.SrcPort), 10),
		"-d", r.DstIP,
		"--dport", strconv.FormatUint(uint64(r.DstPort), 10),
	}
	return c.close(ctx, filter)
}

// close issues filter as separate argv tokens, exactly as
// conntrack(8)'s getopt parsing expects; it is never pre-joined into a
// single argument.
func (c *FirewallCloser) close(ctx context.Context, filter []string) error {
	delArgs := append([]string{"-D"}, filter...)
	if _, err := c.CLI.Exec(ctx, delArgs...); err != nil {
		return err
	}

	listArgs := append([]string{"-L"}, filter...)
	out, err := c.CLI.Exec(ctx, listArgs...)
	if err != nil {
		return err
	}
	if len(stripHeaderLine(out)) > 0 {
		return &Error{Out: out, Err: fmt.Errorf("flows survived close for filter %q", filter)}
	}

	return nil
}

// stripHeaderLine discards the first (header) line of conntrack -L
// output and returns whatever non-blank content remains.
func stripHeaderLine(out []byte) []byte {
	i := bytes.IndexByte(out, '\n')
	if i < 0 {
		return nil
	}
	return bytes.TrimSpace(out[i+1:])
}
