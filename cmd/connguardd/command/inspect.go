package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newInspectCommand runs a single probe tick and logs every tracked
// flow at debug verbosity. It is a debug introspection aid rather than
// one of the daemon's tick operations.
func newInspectCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Probe once and dump the resulting connection list",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			log := logger.Sugar()

			ctx := cmd.Context()
			tr, _, err := buildTracker(ctx, v, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer tr.Close() //nolint:errcheck

			if err := tr.Update(ctx); err != nil {
				return err
			}
			tr.DumpKnown()
			return nil
		},
	}
}
