package probe

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/driver"
	"github.com/sdp-gateway/connguard/internal/flow"
)

var (
	markRe  = regexp.MustCompile(`\bmark=(\d+)`)
	srcRe   = regexp.MustCompile(`\bsrc=(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	dstRe   = regexp.MustCompile(`\bdst=(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	sportRe = regexp.MustCompile(`\bsport=(\d+)`)
	dportRe = regexp.MustCompile(`\bdport=(\d+)`)
)

// Prober queries the conntrack facility via a driver.CLI and parses
// its output into flow.Records.
type Prober struct {
	CLI driver.CLI
	Now func() time.Time
	Log *zap.SugaredLogger
}

// New returns a Prober backed by cli. now defaults to time.Now.
func New(cli driver.CLI, log *zap.SugaredLogger) *Prober {
	return &Prober{CLI: cli, Now: time.Now, Log: log}
}

// Probe runs 'conntrack -L [filter]' and parses the result. A non-zero
// driver exit is surfaced as an error; the first output line (a
// header) is discarded, and any
// subsequent line whose connection mark is zero or absent is skipped
// silently. A line that does carry a non-zero mark but is missing one
// of src/dst/sport/dport is a per-line parse failure: it is logged
// and skipped, but does not fail the call.
func (p *Prober) Probe(ctx context.Context, filter []string) (flow.List, int, error) {
	args := append([]string{"-L"}, filter...)

	out, err := p.CLI.Exec(ctx, args...)
	if err != nil {
		return nil, 0, err
	}

	var list flow.List
	now := p.Now
	if now == nil {
		now = time.Now
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		mark, ok := parseMark(line)
		if !ok || mark == 0 {
			continue
		}

		rec, ok := parseFlow(line, mark, now())
		if !ok {
			if p.Log != nil {
				p.Log.Warnw("skipping unparseable conntrack line", "line", line)
			}
			continue
		}

		list = list.Append(rec)
	}

	return list, len(list), nil
}

// Close issues a deletion for filter, then re-probes with the same
// filter to verify zero flows survived. Any flow still present after
// the delete escalates to a driver.Error.
func (p *Prober) Close(ctx context.Context, filter []string) error {
	delArgs := append([]string{"-D"}, filter...)
	if _, err := p.CLI.Exec(ctx, delArgs...); err != nil {
		return err
	}

	survivors, _, err := p.Probe(ctx, filter)
	if err != nil {
		return err
	}
	if len(survivors) > 0 {
		return &driver.Error{
			Out: []byte("flows survived close"),
			Err: &closeVerificationError{filter: filter, remaining: len(survivors)},
		}
	}

	return nil
}

type closeVerificationError struct {
	filter    []string
	remaining int
}

func (e *closeVerificationError) Error() string {
	return fmt.Sprintf("close verification failed for filter %q: flows still present", e.filter)
}

func parseMark(line string) (uint32, bool) {
	m := markRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func parseFlow(line string, mark uint32, now time.Time) (flow.Record, bool) {
	src := srcRe.FindStringSubmatch(line)
	dst := dstRe.FindStringSubmatch(line)
	sport := sportRe.FindStringSubmatch(line)
	dport := dportRe.FindStringSubmatch(line)

	if src == nil || dst == nil || sport == nil || dport == nil {
		return flow.Record{}, false
	}

	sp, err := strconv.ParseUint(sport[1], 10, 16)
	if err != nil {
		return flow.Record{}, false
	}
	dp, err := strconv.ParseUint(dport[1], 10, 16)
	if err != nil {
		return flow.Record{}, false
	}

	return flow.Record{
		Identity:  mark,
		SrcIP:     src[1],
		DstIP:     dst[1],
		SrcPort:   uint16(sp),
		DstPort:   uint16(dp),
		StartTime: now,
	}, true
}
