package command

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sdp-gateway/connguard/internal/config"
	"github.com/sdp-gateway/connguard/internal/driver"
	"github.com/sdp-gateway/connguard/internal/idalloc"
	"github.com/sdp-gateway/connguard/internal/metrics"
	"github.com/sdp-gateway/connguard/internal/policy"
	"github.com/sdp-gateway/connguard/internal/probe"
	"github.com/sdp-gateway/connguard/internal/report"
	"github.com/sdp-gateway/connguard/internal/tracker"
)

// buildTracker assembles a ConnectionTracker from validated
// configuration: the driver backend (exec or netlink), the policy
// table (in-memory or SQL-backed), the HTTP report transport, and
// prometheus metrics registered against reg.
func buildTracker(ctx context.Context, v *viper.Viper, log *zap.SugaredLogger, reg prometheus.Registerer) (*tracker.ConnectionTracker, *config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, fmt.Errorf("command: load config: %w", err)
	}

	cli, err := buildCLI(cfg)
	if err != nil {
		return nil, nil, err
	}

	policyTable, err := buildPolicyTable(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	alloc := idalloc.New(cfg.ConnIDFile, log)
	if err := alloc.Load(); err != nil {
		return nil, nil, fmt.Errorf("command: load connection id counter: %w", err)
	}

	prober := probe.New(cli, log)
	closer := driver.NewFirewallCloser(cli)
	validator := policy.New(policyTable, closer, log)

	transport := report.NewHTTPTransport(cfg.ControllerURL)
	reporter, err := report.NewReporter(transport, cfg.ReportInterval, log)
	if err != nil {
		return nil, nil, fmt.Errorf("command: build reporter: %w", err)
	}

	tr := tracker.New(cfg.HashTableLength, alloc, prober, validator, reporter, log)
	tr.WithMetrics(metrics.New(reg))

	return tr, cfg, nil
}

func buildCLI(cfg *config.Config) (driver.CLI, error) {
	switch cfg.DriverBackend {
	case "", "exec":
		return driver.NewExecCLI(cfg.DriverBin, cfg.DriverSudo), nil
	case "netlink":
		return driver.NewNetlinkCLI(), nil
	default:
		return nil, fmt.Errorf("command: unknown driver backend %q", cfg.DriverBackend)
	}
}

func buildPolicyTable(ctx context.Context, cfg *config.Config) (policy.Table, error) {
	if cfg.PolicyDSN == "" {
		return policy.NewMemoryTable(nil), nil
	}
	return policy.OpenSQLTable(ctx, cfg.PolicyDSN)
}
